package server

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tradesys/botkeeper/internal/supervisor"
)

// logPathFor mirrors the launcher's log naming.
func (s *Server) logPathFor(kind supervisor.Kind) string {
	return filepath.Join(s.cfg.LogsDir, string(kind)+".log")
}

func (s *Server) handleBotLogsTail(w http.ResponseWriter, r *http.Request) {
	kind := supervisor.Kind(pathParam(r, "kind"))
	if _, err := s.mgr.Registry().Descriptor(kind); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	tailN := 200
	if v := strings.TrimSpace(r.URL.Query().Get("tail")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
			tailN = n
		}
	}

	lines, err := tailLines(s.logPathFor(kind), tailN, 256*1024)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, 200, map[string]any{"kind": kind, "lines": []string{}})
			return
		}
		writeError(w, 500, fmt.Sprintf("read log: %v", err))
		return
	}
	writeJSON(w, 200, map[string]any{"kind": kind, "lines": lines})
}

func (s *Server) handleBotLogsStream(w http.ResponseWriter, r *http.Request) {
	kind := supervisor.Kind(pathParam(r, "kind"))
	if _, err := s.mgr.Registry().Descriptor(kind); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")

	// open the log and seek to the end; new output is polled in
	f, err := os.Open(s.logPathFor(kind))
	if err != nil {
		// the bot may never have started yet
		fmt.Fprintf(w, "event: info\ndata: log file not found yet\n\n")
		flusher.Flush()
		<-r.Context().Done()
		return
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		writeError(w, 500, fmt.Sprintf("seek log: %v", err))
		return
	}

	notify := r.Context().Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	buf := make([]byte, 32*1024)
	var partial strings.Builder

	sendLine := func(line string) {
		line = strings.TrimRight(line, "\r\n")
		fmt.Fprintf(w, "data: %s\n\n", escapeSSE(line))
		flusher.Flush()
	}

	for {
		select {
		case <-notify:
			return
		case <-keepAlive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-ticker.C:
			n, err := f.Read(buf)
			if n > 0 {
				partial.WriteString(string(buf[:n]))

				for {
					rest := partial.String()
					idx := strings.IndexByte(rest, '\n')
					if idx < 0 {
						break
					}
					sendLine(rest[:idx])
					partial.Reset()
					partial.WriteString(rest[idx+1:])
				}
			}
			if err != nil && err != io.EOF {
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", escapeSSE(err.Error()))
				flusher.Flush()
				return
			}
		}
	}
}

// tailLines reads at most maxBytes from the end of the file and keeps the
// last n lines.
func tailLines(path string, n int, maxBytes int64) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size <= 0 {
		return []string{}, nil
	}

	start := int64(0)
	if size > maxBytes {
		start = size - maxBytes
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}

	r := bufio.NewReader(f)
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			lines = append(lines, strings.TrimRight(line, "\r\n"))
			if len(lines) > n {
				lines = lines[len(lines)-n:]
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return lines, nil
}

// escapeSSE keeps client-controlled text from smuggling extra SSE frames.
func escapeSSE(s string) string {
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
