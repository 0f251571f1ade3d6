package services

import (
	"context"

	"github.com/danmuck/panesync/internal/rpc"
)

// Selection is the Selection[sceneId, [itemIds]] helper. It holds no state
// of its own: its identity is its arguments, and every read filters them
// against the scene's current items. select and add return a new
// Selection rather than changing this one.
type Selection struct {
	svc     *ScenesService
	sceneID string
	ids     []string
}

func (s *ScenesService) newSelection(sceneID string, ids []string) *Selection {
	if ids == nil {
		ids = []string{}
	}
	return &Selection{svc: s, sceneID: sceneID, ids: dedupe(ids)}
}

func (s *ScenesService) selectionHelper(args rpc.Args) (rpc.Resource, error) {
	sceneID, err := args.String(0)
	if err != nil {
		return nil, err
	}
	var ids []string
	if args.Len() > 1 {
		if ids, err = args.Strings(1); err != nil {
			return nil, err
		}
	}
	if _, ok := s.state().scene(sceneID); !ok {
		return nil, nil
	}
	return s.newSelection(sceneID, ids), nil
}

func (sel *Selection) ResourceID() string {
	return rpc.MustResourceID("Selection", sel.sceneID, sel.ids)
}

func (sel *Selection) Model() any {
	return map[string]any{"sceneId": sel.sceneID, "ids": sel.IDs()}
}

// IDs returns the selected ids that still exist, in scene order.
func (sel *Selection) IDs() []string {
	want := make(map[string]struct{}, len(sel.ids))
	for _, id := range sel.ids {
		want[id] = struct{}{}
	}
	out := make([]string, 0, len(sel.ids))
	for _, id := range sel.svc.state().itemIDs(sel.sceneID) {
		if _, ok := want[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (sel *Selection) IsSelected(id string) bool {
	for _, have := range sel.IDs() {
		if have == id {
			return true
		}
	}
	return false
}

func (sel *Selection) Methods() map[string]rpc.Method {
	return map[string]rpc.Method{
		"getSceneId": func(context.Context, rpc.Args) (any, error) {
			return sel.sceneID, nil
		},
		"getIds": func(context.Context, rpc.Args) (any, error) {
			return sel.IDs(), nil
		},
		"getSize": func(context.Context, rpc.Args) (any, error) {
			return len(sel.IDs()), nil
		},
		"isSelected": func(_ context.Context, args rpc.Args) (any, error) {
			id, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return sel.IsSelected(id), nil
		},
		"getItems": func(context.Context, rpc.Args) (any, error) {
			st := sel.svc.state()
			out := make([]any, 0)
			for _, id := range sel.IDs() {
				if item, ok := st.item(sel.sceneID, id); ok {
					out = append(out, item)
				}
			}
			return out, nil
		},
		"select": func(_ context.Context, args rpc.Args) (any, error) {
			ids, err := args.Strings(0)
			if err != nil {
				return nil, err
			}
			return sel.svc.newSelection(sel.sceneID, ids), nil
		},
		"add": func(_ context.Context, args rpc.Args) (any, error) {
			ids, err := args.Strings(0)
			if err != nil {
				return nil, err
			}
			return sel.svc.newSelection(sel.sceneID, append(append([]string{}, sel.ids...), ids...)), nil
		},
		"deselect": func(_ context.Context, args rpc.Args) (any, error) {
			ids, err := args.Strings(0)
			if err != nil {
				return nil, err
			}
			drop := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				drop[id] = struct{}{}
			}
			kept := make([]string, 0, len(sel.ids))
			for _, id := range sel.ids {
				if _, ok := drop[id]; !ok {
					kept = append(kept, id)
				}
			}
			return sel.svc.newSelection(sel.sceneID, kept), nil
		},
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
