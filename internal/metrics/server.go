package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

func newMux(set *Set) *http.ServeMux {
	mux := http.NewServeMux()
	if set != nil {
		mux.Handle("/metrics", set.Handler())
	}

	// pprof registered on our own mux, keeping DefaultServeMux untouched
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Start serves /metrics and /debug/pprof on listenAddr, blocking. The caller
// decides whether to enable it; binding anything but localhost or an internal
// interface is the caller's problem.
func Start(listenAddr string, set *Set) error {
	s := &http.Server{
		Addr:              listenAddr,
		Handler:           newMux(set),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.ListenAndServe()
}

// StartAsync starts the debug server without blocking and shuts it down when
// ctx is cancelled. The running server is returned for extra management.
func StartAsync(ctx context.Context, listenAddr string, set *Set) (*http.Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	s := &http.Server{
		Addr:              listenAddr,
		Handler:           newMux(set),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// callers log if they care; no logger dependency here
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	return s, nil
}
