package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// AdminProber checks whether the admin API of an frpc instance answers
type AdminProber interface {
	Reachable(ctx context.Context, port int) bool
}

// FrpcAdmin queries the loopback admin listener rendered configs enable.
// A tunnel counts as connected when GET /api/status returns a JSON object.
type FrpcAdmin struct {
	client *retryablehttp.Client
}

func NewFrpcAdmin(timeout time.Duration) *FrpcAdmin {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return &FrpcAdmin{client: rc}
}

func (a *FrpcAdmin) Reachable(ctx context.Context, port int) bool {
	if port <= 0 {
		return false
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/api/status", port)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := a.client.Do(req)
	if err != nil {
		slog.Debug("frpc admin API not reachable", "port", port, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var status map[string]json.RawMessage
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status) == nil
}

const adminProbeTimeout = 3 * time.Second

// probeAdmin fills AdminReachable for every running entry with an admin port
func (s *Supervisor) probeAdmin(active []TunnelStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), adminProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i := range active {
		st := &active[i]
		if !st.IsRunning || st.AdminPort <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.AdminReachable = s.admin.Reachable(ctx, st.AdminPort)
		}()
	}
	wg.Wait()
}
