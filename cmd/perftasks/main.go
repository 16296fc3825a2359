package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type options struct {
	baseURL     string
	workers     int
	updates     int
	maxAttempts int
	timeout     time.Duration
	verbose     bool
}

type taskPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

type taskResponse struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Version int64  `json:"version"`
}

// result is what one worker observed while pushing its updates through.
type result struct {
	applied   int
	conflicts int
	latencies []time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perftasks: %v\n", err)
		os.Exit(2)
	}
	if err := run(context.Background(), cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "perftasks: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var timeoutMS int

	fs := flag.NewFlagSet("perftasks", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "task service base URL")
	fs.IntVar(&cfg.workers, "workers", 8, "concurrent writers updating the same task")
	fs.IntVar(&cfg.updates, "updates", 20, "successful updates each worker must apply")
	fs.IntVar(&cfg.maxAttempts, "max-attempts", 50, "attempts per update before a worker gives up")
	fs.IntVar(&timeoutMS, "timeout-ms", 120000, "overall run timeout in milliseconds")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print per-worker progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.workers <= 0 {
		return options{}, fmt.Errorf("workers must be > 0")
	}
	if cfg.updates <= 0 {
		return options{}, fmt.Errorf("updates must be > 0")
	}
	if cfg.maxAttempts <= 0 {
		return options{}, fmt.Errorf("max-attempts must be > 0")
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

// run creates one task and has every worker apply its updates with the
// read, If-Match write, retry-on-409 loop. The final version must equal the
// number of applied updates.
func run(ctx context.Context, cfg options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	client := &http.Client{Timeout: 30 * time.Second}
	task, err := createTask(ctx, client, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	fmt.Fprintf(out, "perftasks: task=%d workers=%d updates=%d\n", task.ID, cfg.workers, cfg.updates)

	results := make([]result, cfg.workers)
	errs := make([]error, cfg.workers)
	var wg sync.WaitGroup
	for w := 0; w < cfg.workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results[w], errs[w] = runWorker(ctx, client, cfg, task.ID, w)
			if cfg.verbose {
				fmt.Fprintf(out, "perftasks: worker %d applied=%d conflicts=%d\n", w, results[w].applied, results[w].conflicts)
			}
		}(w)
	}
	wg.Wait()
	for w, err := range errs {
		if err != nil {
			return fmt.Errorf("worker %d: %w", w, err)
		}
	}

	final, _, err := getTask(ctx, client, cfg.baseURL, task.ID)
	if err != nil {
		return fmt.Errorf("read final task: %w", err)
	}

	var total result
	for _, r := range results {
		total.applied += r.applied
		total.conflicts += r.conflicts
		total.latencies = append(total.latencies, r.latencies...)
	}
	if final.Version != int64(total.applied) {
		return fmt.Errorf("lost update: final version %d, applied %d", final.Version, total.applied)
	}

	fmt.Fprintf(out, "perftasks: applied=%d conflicts=%d final_version=%d\n", total.applied, total.conflicts, final.Version)
	fmt.Fprintf(out, "perftasks: put p50=%s p95=%s p99=%s\n",
		percentile(total.latencies, 0.50), percentile(total.latencies, 0.95), percentile(total.latencies, 0.99))
	return nil
}

func runWorker(ctx context.Context, client *http.Client, cfg options, id int64, worker int) (result, error) {
	var res result
	for n := 0; n < cfg.updates; n++ {
		applied := false
		for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
			current, version, err := getTask(ctx, client, cfg.baseURL, id)
			if err != nil {
				return res, err
			}
			start := time.Now()
			status, err := putTask(ctx, client, cfg.baseURL, id, version, taskPayload{
				Title:       fmt.Sprintf("worker %d update %d", worker, n),
				Description: current.Title,
				Status:      "DOING",
			})
			res.latencies = append(res.latencies, time.Since(start))
			if err != nil {
				return res, err
			}
			if status == http.StatusConflict {
				res.conflicts++
				continue
			}
			res.applied++
			applied = true
			break
		}
		if !applied {
			return res, fmt.Errorf("update %d: gave up after %d attempts", n, cfg.maxAttempts)
		}
	}
	return res, nil
}

func createTask(ctx context.Context, client *http.Client, baseURL string) (taskResponse, error) {
	payload, err := json.Marshal(taskPayload{Title: "perftasks contention target", Status: "OPEN"})
	if err != nil {
		return taskResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/tasks", bytes.NewReader(payload))
	if err != nil {
		return taskResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, _, err := do(client, req)
	if err != nil {
		return taskResponse{}, err
	}
	if status != http.StatusCreated {
		return taskResponse{}, fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	var out taskResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return taskResponse{}, err
	}
	return out, nil
}

// getTask returns the task and the version advertised in its ETag.
func getTask(ctx context.Context, client *http.Client, baseURL string, id int64) (taskResponse, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/tasks/%d", baseURL, id), nil)
	if err != nil {
		return taskResponse{}, 0, err
	}
	body, status, header, err := do(client, req)
	if err != nil {
		return taskResponse{}, 0, err
	}
	if status != http.StatusOK {
		return taskResponse{}, 0, fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	var out taskResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return taskResponse{}, 0, err
	}
	version, err := strconv.ParseInt(strings.Trim(header.Get("ETag"), `"`), 10, 64)
	if err != nil {
		return taskResponse{}, 0, fmt.Errorf("bad ETag %q: %w", header.Get("ETag"), err)
	}
	return out, version, nil
}

// putTask reports 200 and 409 as statuses; anything else is an error.
func putTask(ctx context.Context, client *http.Client, baseURL string, id, version int64, payload taskPayload) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/api/tasks/%d", baseURL, id), bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", strconv.FormatInt(version, 10))

	body, status, _, err := do(client, req)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusOK, http.StatusConflict:
		return status, nil
	default:
		return 0, fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
}

func do(client *http.Client, req *http.Request) ([]byte, int, http.Header, error) {
	res, err := client.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, 0, nil, err
	}
	return body, res.StatusCode, res.Header, nil
}

func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
