package handler

import (
	"context"
	"net/http"
	"time"
)

// Check is the result of one dependency probe.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
}

type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// HandleHealth reports UP when every configured dependency answers.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "UP",
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(s.checks)),
	}
	code := http.StatusOK
	for name, p := range s.checks {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Str("check", name).Msg("health check failed")
			response.Checks[name] = Check{Status: "DOWN"}
			response.Status = "DOWN"
			code = http.StatusServiceUnavailable
			continue
		}
		response.Checks[name] = Check{Status: "UP", Latency: time.Since(start).String()}
	}
	JSON(w, code, response)
}
