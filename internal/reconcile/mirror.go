package reconcile

import (
	"context"

	"github.com/router-for-me/DOMBridge/internal/dom"
	log "github.com/sirupsen/logrus"
)

// xpathFirstOrderedNode is XPathResult.FIRST_ORDERED_NODE_TYPE.
const xpathFirstOrderedNode = 9

// Mirror replays local mutation records against the live document.
type Mirror struct {
	// Document returns the live remote document. An error aborts the batch.
	Document func(ctx context.Context) (Remote, error)
	Renderer *dom.Renderer
}

// Apply replays records in order. Records whose node cannot be found remotely
// are skipped; failing to reach the document drops the whole batch.
func (m *Mirror) Apply(ctx context.Context, records []dom.MutationRecord) error {
	if len(records) == 0 {
		return nil
	}
	doc, err := m.Document(ctx)
	if err != nil || doc == nil {
		log.WithError(err).Debug("reconcile: mirror batch dropped, no live document")
		return nil
	}
	engine := &Engine{Document: doc, Renderer: m.Renderer}
	engine.Track(doc)
	defer engine.Release(ctx)
	r := engine.renderer()

	for _, rec := range records {
		if rec.Target == nil {
			continue
		}
		path := dom.XPath(rec.Target)
		target, errResolve := m.resolve(ctx, engine, doc, path)
		if errResolve != nil {
			if err := skipUnresolved(errResolve); err != nil {
				return err
			}
			continue
		}
		if target == nil {
			log.WithField("path", path).Debug("reconcile: mirror target not found")
			continue
		}
		if err := m.apply(ctx, engine, r, rec, doc, target); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) apply(ctx context.Context, engine *Engine, r *dom.Renderer, rec dom.MutationRecord, doc, target Remote) error {
	switch rec.Type {
	case dom.MutationAttributes:
		// Inline style travels as MutationStyle records.
		if rec.AttributeName == "style" {
			return nil
		}
		for _, a := range r.Attrs(rec.Target) {
			if a.Name == rec.AttributeName {
				_, err := target.CallMethod(ctx, "setAttribute", a.Name, a.Value)
				return skipUnresolved(err)
			}
		}
		_, err := target.CallMethod(ctx, "removeAttribute", rec.AttributeName)
		return skipUnresolved(err)

	case dom.MutationStyle:
		style, err := engine.getRemote(ctx, target, "style")
		if err != nil || style == nil {
			return skipUnresolved(err)
		}
		if value := rec.Target.StyleValue(rec.AttributeName); value != "" {
			_, err = style.CallMethod(ctx, "setProperty", rec.AttributeName, value)
		} else {
			_, err = style.CallMethod(ctx, "removeProperty", rec.AttributeName)
		}
		return skipUnresolved(err)

	case dom.MutationChildList:
		for _, added := range rec.AddedNodes {
			clone, err := engine.Materialize(ctx, added)
			if err != nil {
				return err
			}
			if _, err := target.CallMethod(ctx, "appendChild", clone); err != nil {
				return skipUnresolved(err)
			}
		}
		for _, removed := range rec.RemovedNodes {
			if removed.XPath == "" {
				continue
			}
			node, err := m.resolve(ctx, engine, doc, removed.XPath)
			if err != nil {
				return skipUnresolved(err)
			}
			if node == nil {
				continue
			}
			if _, err := node.CallMethod(ctx, "remove"); err != nil {
				return skipUnresolved(err)
			}
		}
		return nil

	case dom.MutationCharacterData:
		var value string
		switch rec.AttributeName {
		case "innerHTML":
			value = r.InnerHTML(rec.Target)
		case "innerText", "textContent":
			value = dom.TextContent(rec.Target)
		default:
			return nil
		}
		return skipUnresolved(target.Set(ctx, rec.AttributeName, value))
	}
	return nil
}

// resolve finds the remote node at path, nil when there is none. The
// references it obtains are held by engine.
func (m *Mirror) resolve(ctx context.Context, engine *Engine, doc Remote, path string) (Remote, error) {
	result, err := doc.CallMethod(ctx, "evaluate", path, doc, nil, xpathFirstOrderedNode, nil)
	if err != nil {
		return nil, err
	}
	engine.Track(result)
	res, ok := result.(Remote)
	if !ok {
		return nil, nil
	}
	return engine.getRemote(ctx, res, "singleNodeValue")
}
