package services

import (
	"fmt"

	"github.com/danmuck/panesync/internal/store"
)

// ScenesStoreModule is the replicated scene collection:
//
//	{activeSceneId, displayOrder: [id...], scenes: {id: {id, name, items: [...]}}}
//
// Items are stored newest first.
func ScenesStoreModule() store.Module {
	return store.Module{
		Name: ScenesModule,
		Initial: func() map[string]any {
			return map[string]any{
				"activeSceneId": DefaultSceneID,
				"displayOrder":  []any{DefaultSceneID},
				"scenes": map[string]any{
					DefaultSceneID: map[string]any{"id": DefaultSceneID, "name": "Scene", "items": []any{}},
				},
			}
		},
		Mutations: map[string]store.Mutator{
			MutAddScene:        addScene,
			MutRemoveScene:     removeScene,
			MutMakeSceneActive: makeSceneActive,
			MutRenameScene:     renameScene,
			MutAddSceneItem:    addSceneItem,
			MutRemoveSceneItem: removeSceneItem,
		},
	}
}

func addScene(state, payload map[string]any) error {
	st := scenesState(state)
	id, _ := payload["id"].(string)
	name, _ := payload["name"].(string)
	if id == "" {
		return fmt.Errorf("%w: missing id", ErrSceneNotFound)
	}
	scenes := st.scenes()
	scenes[id] = map[string]any{"id": id, "name": name, "items": []any{}}
	state["scenes"] = scenes
	state["displayOrder"] = append(st.orderAny(), id)
	if st.activeID() == "" {
		state["activeSceneId"] = id
	}
	return nil
}

func removeScene(state, payload map[string]any) error {
	st := scenesState(state)
	id, _ := payload["id"].(string)
	scenes := st.scenes()
	if _, ok := scenes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	// checked here, on the owner actor, so concurrent removals cannot race
	// past it
	if len(scenes) <= 1 {
		return ErrLastScene
	}
	delete(scenes, id)
	state["scenes"] = scenes
	order := make([]any, 0)
	for _, v := range st.orderAny() {
		if v != id {
			order = append(order, v)
		}
	}
	state["displayOrder"] = order
	if st.activeID() == id {
		next := ""
		if len(order) > 0 {
			next, _ = order[0].(string)
		}
		state["activeSceneId"] = next
	}
	return nil
}

func makeSceneActive(state, payload map[string]any) error {
	st := scenesState(state)
	id, _ := payload["id"].(string)
	if _, ok := st.scene(id); !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	state["activeSceneId"] = id
	return nil
}

func renameScene(state, payload map[string]any) error {
	st := scenesState(state)
	id, _ := payload["id"].(string)
	scene, ok := st.scene(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	scene["name"] = payload["name"]
	return nil
}

func addSceneItem(state, payload map[string]any) error {
	st := scenesState(state)
	sceneID, _ := payload["sceneId"].(string)
	scene, ok := st.scene(sceneID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, sceneID)
	}
	items, _ := scene["items"].([]any)
	scene["items"] = append([]any{payload}, items...)
	return nil
}

func removeSceneItem(state, payload map[string]any) error {
	st := scenesState(state)
	sceneID, _ := payload["sceneId"].(string)
	itemID, _ := payload["id"].(string)
	scene, ok := st.scene(sceneID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, sceneID)
	}
	items, _ := scene["items"].([]any)
	kept := make([]any, 0, len(items))
	found := false
	for _, it := range items {
		if m, ok := it.(map[string]any); ok && m["id"] == itemID {
			found = true
			continue
		}
		kept = append(kept, it)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	scene["items"] = kept
	return nil
}

// scenesState reads the ScenesService sub-state. Lookups on a nil or
// malformed tree report absence rather than panicking.
type scenesState map[string]any

func (st scenesState) activeID() string {
	id, _ := st["activeSceneId"].(string)
	return id
}

func (st scenesState) scenes() map[string]any {
	scenes, ok := st["scenes"].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return scenes
}

func (st scenesState) orderAny() []any {
	order, _ := st["displayOrder"].([]any)
	return order
}

func (st scenesState) order() []string {
	raw := st.orderAny()
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			out = append(out, id)
		}
	}
	return out
}

func (st scenesState) scene(id string) (map[string]any, bool) {
	scene, ok := st.scenes()[id].(map[string]any)
	return scene, ok
}

func (st scenesState) items(sceneID string) []any {
	scene, ok := st.scene(sceneID)
	if !ok {
		return []any{}
	}
	items, _ := scene["items"].([]any)
	if items == nil {
		return []any{}
	}
	return items
}

func (st scenesState) itemIDs(sceneID string) []string {
	items := st.items(sceneID)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			if id, ok := m["id"].(string); ok {
				out = append(out, id)
			}
		}
	}
	return out
}

func (st scenesState) item(sceneID, itemID string) (map[string]any, bool) {
	for _, it := range st.items(sceneID) {
		if m, ok := it.(map[string]any); ok && m["id"] == itemID {
			return m, true
		}
	}
	return nil, false
}
