package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

var (
	// ErrNoRoute means the request names no known project or container.
	ErrNoRoute = errors.New("no route for request")

	// ErrNotDeployed means the project exists but has no live container.
	ErrNotDeployed = errors.New("project has no active deployment")
)

// Target is a resolved upstream.
type Target struct {
	// Upstream is the scheme://host:port to proxy to. The host is the
	// container name, resolved through the shared docker network's DNS.
	Upstream string

	// PathPrefix is the leading path segment to strip before forwarding,
	// empty for host-based routes.
	PathPrefix string
}

// Router maps incoming hosts and paths to container upstreams.
//
// Host routes, when a base domain is configured:
//
//	<name>-app.<base>  -> project <name>'s active slot container
//	<name>.<base>      -> standalone container <name>
//
// Anything else falls back to path routing: the first path segment is
// treated as a project name and stripped from the forwarded path.
type Router struct {
	store      storage.Store
	baseDomain string
}

func NewRouter(store storage.Store, baseDomain string) *Router {
	return &Router{store: store, baseDomain: baseDomain}
}

// Resolve picks the upstream for a request host and path.
func (r *Router) Resolve(ctx context.Context, host, path string) (*Target, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if r.baseDomain != "" && strings.HasSuffix(host, "."+r.baseDomain) {
		sub := strings.TrimSuffix(host, "."+r.baseDomain)
		if name, ok := strings.CutSuffix(sub, "-app"); ok {
			return r.projectTarget(ctx, name, "")
		}
		return r.containerTarget(ctx, sub)
	}

	// Path fallback: /<project>/rest-of-path.
	segment := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(segment, '/'); i >= 0 {
		segment = segment[:i]
	}
	if segment == "" {
		return nil, ErrNoRoute
	}
	return r.projectTarget(ctx, segment, "/"+segment)
}

func (r *Router) projectTarget(ctx context.Context, name, prefix string) (*Target, error) {
	project, err := r.store.GetProjectByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoRoute
	}
	if err != nil {
		return nil, err
	}
	if project.ContainerIDForSlot(project.ActiveSlot) == "" {
		return nil, ErrNotDeployed
	}
	return &Target{
		Upstream:   fmt.Sprintf("http://%s:%d", project.ActiveContainerName(), project.RuntimePort),
		PathPrefix: prefix,
	}, nil
}

func (r *Router) containerTarget(ctx context.Context, name string) (*Target, error) {
	ctr, err := r.store.GetContainerByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoRoute
	}
	if err != nil {
		return nil, err
	}
	if ctr.DockerID == "" || ctr.Status != types.ContainerRunning {
		return nil, ErrNotDeployed
	}
	// Containers without an internal port listen on their host port inside
	// the docker network too.
	port := ctr.ContainerPort
	if port == 0 {
		port = ctr.HostPort
	}
	return &Target{
		Upstream: fmt.Sprintf("http://%s:%d", ctr.RuntimeName(), port),
	}, nil
}
