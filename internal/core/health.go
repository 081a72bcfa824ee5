package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently under a shared 2s deadline.
// Any failing or unfinished probe turns the response into a 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}
	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	type result struct {
		name string
		err  error
	}
	// Buffered so probes that finish after the deadline do not block.
	results := make(chan result, len(s.HealthProbes))
	for _, p := range s.HealthProbes {
		go func() {
			var err error
			defer func() {
				if rvr := recover(); rvr != nil {
					err = fmt.Errorf("probe panicked: %v", rvr)
				}
				results <- result{name: p.Name(), err: err}
			}()
			err = p.Check(ctx)
		}()
	}

	resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	for _, p := range s.HealthProbes {
		resp.Components[p.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
	}

collect:
	for range s.HealthProbes {
		select {
		case res := <-results:
			if res.err != nil {
				resp.Components[res.name] = componentStatus{Status: "unhealthy", Message: res.err.Error()}
			} else {
				resp.Components[res.name] = componentStatus{Status: "healthy"}
			}
		case <-ctx.Done():
			break collect
		}
	}

	status := http.StatusOK
	for _, c := range resp.Components {
		if c.Status != "healthy" {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			break
		}
	}
	JSON(w, r, status, resp)
}

// FuncProbe adapts a plain function to HealthProbe.
type FuncProbe struct {
	ProbeName string
	CheckFn   func(ctx context.Context) error
}

func (p FuncProbe) Name() string                    { return p.ProbeName }
func (p FuncProbe) Check(ctx context.Context) error { return p.CheckFn(ctx) }
