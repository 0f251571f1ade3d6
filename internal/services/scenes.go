package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/panesync/internal/rpc"
	"github.com/danmuck/panesync/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const ScenesModule = "ScenesService"

// DefaultSceneID is the scene every fresh store starts with.
const DefaultSceneID = "scene-default"

// Scene mutation types.
const (
	MutAddScene        = "ADD_SCENE"
	MutRemoveScene     = "REMOVE_SCENE"
	MutMakeSceneActive = "MAKE_SCENE_ACTIVE"
	MutRenameScene     = "RENAME_SCENE"
	MutAddSceneItem    = "ADD_SCENE_ITEM"
	MutRemoveSceneItem = "REMOVE_SCENE_ITEM"
)

var (
	ErrSceneNotFound = errors.New("services: scene not found")
	ErrItemNotFound  = errors.New("services: scene item not found")
	ErrLastScene     = errors.New("services: there needs to be at least one scene")
	ErrNotAttached   = errors.New("services: service not attached to an owner")
)

// ScenesService owns the scene collection: scenes in display order, one
// active scene and each scene's items (newest first).
type ScenesService struct {
	owner *store.Owner

	sceneAdded    *rpc.Stream
	sceneRemoved  *rpc.Stream
	sceneSwitched *rpc.Stream
	itemAdded     *rpc.Stream
	itemRemoved   *rpc.Stream
}

func NewScenesService() *ScenesService {
	return &ScenesService{
		sceneAdded:    rpc.NewStream(),
		sceneRemoved:  rpc.NewStream(),
		sceneSwitched: rpc.NewStream(),
		itemAdded:     rpc.NewStream(),
		itemRemoved:   rpc.NewStream(),
	}
}

func (s *ScenesService) Name() string { return ScenesModule }

func (s *ScenesService) Modules() []store.Module {
	return []store.Module{ScenesStoreModule()}
}

func (s *ScenesService) Attach(rt Runtime) error {
	if rt.Owner == nil {
		return ErrNotAttached
	}
	s.owner = rt.Owner
	if err := rt.Internal.RegisterSingleton(ScenesModule, s); err != nil {
		return err
	}
	if err := rt.Internal.RegisterHelper("Scene", s.sceneHelper); err != nil {
		return err
	}
	if err := rt.Internal.RegisterHelper("Selection", s.selectionHelper); err != nil {
		return err
	}
	if rt.External == nil {
		return nil
	}
	pub := &PublicScenesService{internal: s}
	if err := rt.External.RegisterSingleton(ScenesModule, pub); err != nil {
		return err
	}
	return rt.External.RegisterHelper("Scene", pub.sceneHelper)
}

func (s *ScenesService) Methods() map[string]rpc.Method {
	return map[string]rpc.Method{
		"getScenes": func(context.Context, rpc.Args) (any, error) {
			return s.Scenes(), nil
		},
		"getScene": func(_ context.Context, args rpc.Args) (any, error) {
			id, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return s.sceneOrNil(id), nil
		},
		"activeSceneId": func(context.Context, rpc.Args) (any, error) {
			return s.ActiveSceneID(), nil
		},
		"createScene": func(ctx context.Context, args rpc.Args) (any, error) {
			name, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return s.CreateScene(ctx, name)
		},
		"createSceneAsync": func(ctx context.Context, args rpc.Args) (any, error) {
			name, err := args.String(0)
			if err != nil {
				return nil, err
			}
			// the promise outlives the request that started it
			bg := context.WithoutCancel(ctx)
			return rpc.Async(func() (any, error) {
				return s.CreateScene(bg, name)
			}), nil
		},
		"removeScene": func(ctx context.Context, args rpc.Args) (any, error) {
			id, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return true, s.RemoveScene(ctx, id)
		},
		"makeSceneActive": func(ctx context.Context, args rpc.Args) (any, error) {
			id, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return true, s.MakeSceneActive(ctx, id)
		},
		"sceneAdded":    streamMethod(s.sceneAdded),
		"sceneRemoved":  streamMethod(s.sceneRemoved),
		"sceneSwitched": streamMethod(s.sceneSwitched),
		"itemAdded":     streamMethod(s.itemAdded),
		"itemRemoved":   streamMethod(s.itemRemoved),
	}
}

func streamMethod(st *rpc.Stream) rpc.Method {
	return func(context.Context, rpc.Args) (any, error) { return st, nil }
}

func (s *ScenesService) state() scenesState {
	if s.owner == nil {
		return scenesState{}
	}
	sub, _ := s.owner.Store().Get(ScenesModule)
	return scenesState(sub)
}

// Scenes returns every scene in display order.
func (s *ScenesService) Scenes() []*Scene {
	st := s.state()
	out := make([]*Scene, 0)
	for _, id := range st.order() {
		out = append(out, &Scene{svc: s, id: id})
	}
	return out
}

// Scene returns the scene with id, or false.
func (s *ScenesService) Scene(id string) (*Scene, bool) {
	if _, ok := s.state().scene(id); !ok {
		return nil, false
	}
	return &Scene{svc: s, id: id}, true
}

func (s *ScenesService) sceneOrNil(id string) rpc.Resource {
	if sc, ok := s.Scene(id); ok {
		return sc
	}
	return nil
}

func (s *ScenesService) ActiveSceneID() string {
	return s.state().activeID()
}

func (s *ScenesService) commit(ctx context.Context, mutationType string, payload map[string]any) error {
	if s.owner == nil {
		return ErrNotAttached
	}
	_, err := s.owner.Commit(ctx, mutationType, payload)
	return err
}

// CreateScene adds a scene at the end of the display order.
func (s *ScenesService) CreateScene(ctx context.Context, name string) (*Scene, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, rpc.InvalidParams("scene name required")
	}
	id := "scene-" + uuid.NewString()
	if err := s.commit(ctx, MutAddScene, map[string]any{"id": id, "name": name}); err != nil {
		return nil, err
	}
	sc := &Scene{svc: s, id: id}
	s.sceneAdded.Emit(sc.Model())
	log.Debug().Msgf("services.ScenesService.CreateScene id=%q name=%q", id, name)
	return sc, nil
}

// RemoveScene deletes a scene. Removing the active scene activates the
// first remaining one.
func (s *ScenesService) RemoveScene(ctx context.Context, id string) error {
	st := s.state()
	model, ok := st.scene(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	activeBefore := st.activeID()
	if err := s.commit(ctx, MutRemoveScene, map[string]any{"id": id}); err != nil {
		return err
	}
	s.sceneRemoved.Emit(sceneModel(model))
	if activeBefore == id {
		if next, ok := s.state().scene(s.ActiveSceneID()); ok {
			s.sceneSwitched.Emit(sceneModel(next))
		}
	}
	return nil
}

func (s *ScenesService) MakeSceneActive(ctx context.Context, id string) error {
	model, ok := s.state().scene(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	if err := s.commit(ctx, MutMakeSceneActive, map[string]any{"id": id}); err != nil {
		return err
	}
	s.sceneSwitched.Emit(sceneModel(model))
	return nil
}

func (s *ScenesService) sceneHelper(args rpc.Args) (rpc.Resource, error) {
	id, err := args.String(0)
	if err != nil {
		return nil, err
	}
	return s.sceneOrNil(id), nil
}

// Scene is the Scene[id] helper: a view over one scene in canonical state.
// It falls back to the selection of all its items.
type Scene struct {
	svc *ScenesService
	id  string
}

func (sc *Scene) ID() string { return sc.id }

func (sc *Scene) ResourceID() string {
	return rpc.MustResourceID("Scene", sc.id)
}

func (sc *Scene) Model() any {
	model, ok := sc.svc.state().scene(sc.id)
	if !ok {
		return map[string]any{"id": sc.id}
	}
	return sceneModel(model)
}

func (sc *Scene) Fallback() rpc.Resource {
	st := sc.svc.state()
	if _, ok := st.scene(sc.id); !ok {
		return nil
	}
	return &Selection{svc: sc.svc, sceneID: sc.id, ids: st.itemIDs(sc.id)}
}

func (sc *Scene) Methods() map[string]rpc.Method {
	return map[string]rpc.Method{
		"getModel": func(context.Context, rpc.Args) (any, error) {
			return sc.Model(), nil
		},
		"getName": func(context.Context, rpc.Args) (any, error) {
			model, ok := sc.svc.state().scene(sc.id)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, sc.id)
			}
			return model["name"], nil
		},
		"setName": func(ctx context.Context, args rpc.Args) (any, error) {
			name, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return true, sc.SetName(ctx, name)
		},
		"remove": func(ctx context.Context, _ rpc.Args) (any, error) {
			return true, sc.svc.RemoveScene(ctx, sc.id)
		},
		"makeActive": func(ctx context.Context, _ rpc.Args) (any, error) {
			return true, sc.svc.MakeSceneActive(ctx, sc.id)
		},
		"getItems": func(context.Context, rpc.Args) (any, error) {
			return sc.svc.state().items(sc.id), nil
		},
		"addItem": func(ctx context.Context, args rpc.Args) (any, error) {
			name, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return sc.AddItem(ctx, name)
		},
		"removeItem": func(ctx context.Context, args rpc.Args) (any, error) {
			id, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return true, sc.RemoveItem(ctx, id)
		},
		"getSelection": func(_ context.Context, args rpc.Args) (any, error) {
			var ids []string
			if args.Len() > 0 {
				var err error
				if ids, err = args.Strings(0); err != nil {
					return nil, err
				}
			}
			return sc.svc.newSelection(sc.id, ids), nil
		},
	}
}

func (sc *Scene) SetName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return rpc.InvalidParams("scene name required")
	}
	return sc.svc.commit(ctx, MutRenameScene, map[string]any{"id": sc.id, "name": name})
}

// AddItem puts a new item at the top of the scene and returns its model.
func (sc *Scene) AddItem(ctx context.Context, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, rpc.InvalidParams("item name required")
	}
	item := map[string]any{"id": "item-" + uuid.NewString(), "sceneId": sc.id, "name": name, "visible": true}
	if err := sc.svc.commit(ctx, MutAddSceneItem, item); err != nil {
		return nil, err
	}
	sc.svc.itemAdded.Emit(item)
	return item, nil
}

func (sc *Scene) RemoveItem(ctx context.Context, itemID string) error {
	item, ok := sc.svc.state().item(sc.id, itemID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if err := sc.svc.commit(ctx, MutRemoveSceneItem, map[string]any{"sceneId": sc.id, "id": itemID}); err != nil {
		return err
	}
	sc.svc.itemRemoved.Emit(item)
	return nil
}

func sceneModel(model map[string]any) map[string]any {
	return map[string]any{"id": model["id"], "name": model["name"], "items": model["items"]}
}
