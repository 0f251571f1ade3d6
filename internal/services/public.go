package services

import (
	"context"

	"github.com/danmuck/panesync/internal/rpc"
)

// PublicScenesService is the external ScenesService. It exposes a reduced
// read surface of its own; every other member is served by the internal
// service through the fallback.
type PublicScenesService struct {
	internal *ScenesService
}

func (p *PublicScenesService) Fallback() rpc.Resource {
	return p.internal
}

func (p *PublicScenesService) Methods() map[string]rpc.Method {
	return map[string]rpc.Method{
		"getScenes": func(context.Context, rpc.Args) (any, error) {
			scenes := p.internal.Scenes()
			out := make([]*PublicScene, 0, len(scenes))
			for _, sc := range scenes {
				out = append(out, &PublicScene{inner: sc})
			}
			return out, nil
		},
		"getScene": func(_ context.Context, args rpc.Args) (any, error) {
			id, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return p.sceneOrNil(id), nil
		},
		"activeSceneId": func(context.Context, rpc.Args) (any, error) {
			return p.internal.ActiveSceneID(), nil
		},
	}
}

func (p *PublicScenesService) sceneOrNil(id string) rpc.Resource {
	sc, ok := p.internal.Scene(id)
	if !ok {
		return nil
	}
	return &PublicScene{inner: sc}
}

func (p *PublicScenesService) sceneHelper(args rpc.Args) (rpc.Resource, error) {
	id, err := args.String(0)
	if err != nil {
		return nil, err
	}
	return p.sceneOrNil(id), nil
}

// PublicScene is the external Scene[id] helper. Its model is the stable
// public shape; members it lacks fall back to the internal Scene.
type PublicScene struct {
	inner *Scene
}

func (ps *PublicScene) ResourceID() string {
	return ps.inner.ResourceID()
}

func (ps *PublicScene) Model() any {
	st := ps.inner.svc.state()
	model, ok := st.scene(ps.inner.id)
	if !ok {
		return map[string]any{"id": ps.inner.id}
	}
	return map[string]any{
		"id":       ps.inner.id,
		"name":     model["name"],
		"isActive": st.activeID() == ps.inner.id,
		"itemIds":  st.itemIDs(ps.inner.id),
	}
}

func (ps *PublicScene) Fallback() rpc.Resource {
	return ps.inner
}

func (ps *PublicScene) Methods() map[string]rpc.Method {
	return map[string]rpc.Method{
		"getModel": func(context.Context, rpc.Args) (any, error) {
			return ps.Model(), nil
		},
		"isActive": func(context.Context, rpc.Args) (any, error) {
			return ps.inner.svc.ActiveSceneID() == ps.inner.id, nil
		},
	}
}
