package connectivity

import "iter"

// ServiceInfo is a point-in-time snapshot of one routed service, e.g.
// "histmine_run" or "extract_url". A reload may have changed the
// router since the snapshot was taken.
type ServiceInfo struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
	Endpoint string `json:"endpoint"`
	HasLocal bool   `json:"has_local"`
}

// ListServices iterates every service the router knows about: those
// with rows in the routes table and those with only a RegisterLocal
// handler (reported with strategy "local").
func (r *Router) ListServices() iter.Seq[ServiceInfo] {
	return func(yield func(ServiceInfo) bool) {
		r.mu.RLock()
		defer r.mu.RUnlock()

		seen := make(map[string]bool, len(r.routeSnap)+len(r.localHandlers))

		for name, rt := range r.routeSnap {
			seen[name] = true
			_, hasLocal := r.localHandlers[name]
			if !yield(ServiceInfo{
				Name:     name,
				Strategy: rt.Strategy,
				Endpoint: rt.Endpoint,
				HasLocal: hasLocal,
			}) {
				return
			}
		}

		// Handlers that never appeared in the routes table.
		for name := range r.localHandlers {
			if seen[name] {
				continue
			}
			if !yield(ServiceInfo{
				Name:     name,
				Strategy: "local",
				HasLocal: true,
			}) {
				return
			}
		}
	}
}

// Inspect reports one service. ok is false when the service has
// neither a route nor a local handler.
func (r *Router) Inspect(service string) (info ServiceInfo, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, hasRoute := r.routeSnap[service]
	_, hasLocal := r.localHandlers[service]

	if !hasRoute && !hasLocal {
		return ServiceInfo{}, false
	}

	info = ServiceInfo{
		Name:     service,
		HasLocal: hasLocal,
	}

	if hasRoute {
		info.Strategy = rt.Strategy
		info.Endpoint = rt.Endpoint
	} else {
		info.Strategy = "local"
	}

	return info, true
}
