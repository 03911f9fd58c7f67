package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"evmindexer/internal/cache"
	"evmindexer/internal/chainevent"
	"evmindexer/internal/config"
	"evmindexer/internal/engine"
	"evmindexer/internal/rpcclient"
	"evmindexer/internal/sink"
	"evmindexer/internal/substore"
)

// handleJobs acts as a multiplexer: POST creates new job, other verbs not allowed.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createJob(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobByID routes GET and DELETE for specific job IDs.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	// Expected path: /jobs/{id}
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" {
		http.Error(w, "job id missing", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getJob(w, r, id)
	case http.MethodDelete:
		s.cancelJob(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// createJob handles POST /jobs
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req JobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Chain.RPC == "" {
		http.Error(w, "chain.rpc is required", http.StatusBadRequest)
		return
	}
	if len(req.Contracts) == 0 {
		http.Error(w, "at least one contract must be provided", http.StatusBadRequest)
		return
	}

	jobID := newUUID()

	status := &JobStatus{
		JobID:     jobID,
		Status:    "queued",
		StartedAt: time.Now(),
	}

	s.mu.Lock()
	s.jobs[jobID] = &jobEntry{status: status}
	s.mu.Unlock()

	go s.runJob(jobID, req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(JobResponse{JobID: jobID})
}

// runJob converts the request into a Config, builds an Engine and runs it
// to completion (or until cancelled), updating the job's status throughout.
func (s *Server) runJob(jobID string, req JobRequest) {
	s.mu.Lock()
	entry := s.jobs[jobID]
	if entry == nil {
		entry = &jobEntry{status: &JobStatus{JobID: jobID}}
		s.jobs[jobID] = entry
	}
	entry.status.Status = "running"
	s.mu.Unlock()

	cfg, err := buildConfigFromRequest(req)
	if err != nil {
		s.markJobError(jobID, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	entry.cancel = cancel
	s.mu.Unlock()

	rpc, err := rpcclient.Dial(ctx, cfg.Chain.RPC, rpcclient.Config{
		MaxRetries:  cfg.Retry.MaxRetries,
		RetryDelay:  time.Duration(cfg.Retry.RetryDelayMS) * time.Millisecond,
		MaxInFlight: int64(cfg.Retry.MaxInFlight),
		CallTimeout: time.Duration(cfg.Retry.CallTimeoutS) * time.Second,
	})
	if err != nil {
		s.markJobError(jobID, err)
		return
	}
	defer rpc.Close()

	var c cache.Cache
	if cfg.Cache != nil {
		sc, err := cache.OpenSQLiteCache(cfg.Cache.Path)
		if err != nil {
			s.markJobError(jobID, err)
			return
		}
		defer sc.Close()
		c = sc
	}

	var store substore.SubscriptionStore
	if cfg.SubscriptionStore != nil {
		ss, err := substore.OpenSQLiteStore(cfg.SubscriptionStore.Path)
		if err != nil {
			s.markJobError(jobID, err)
			return
		}
		defer ss.Close()
		store = ss
	}

	subs, err := config.BuildSubscriptions(cfg)
	if err != nil {
		s.markJobError(jobID, err)
		return
	}

	contractNames := make(map[common.Address]string, len(cfg.Contracts))
	for _, cc := range cfg.Contracts {
		contractNames[common.HexToAddress(cc.Address)] = cc.Name
	}

	var onEvent chainevent.Handler
	if cfg.Cache == nil && cfg.CSVOutputDir != "" {
		csvSink, err := sink.NewCSVSink(cfg.CSVOutputDir)
		if err != nil {
			s.markJobError(jobID, err)
			return
		}
		retrySink := sink.NewRetrySink(csvSink, cfg.Retry.MaxRetries, cfg.Retry.RetryDelayMS)
		onEvent = func(h chainevent.HandlerContext) error {
			ev := h.Event()
			return retrySink.Write(sink.RecordFromChainEvent(ev, contractNames[ev.Address]))
		}
	}

	eng, err := engine.NewBuilder(cfg.Chain.ID, rpc).
		WithCache(c).
		WithSubscriptionStore(store).
		WithSubscriptions(subs...).
		WithPollDelay(time.Duration(cfg.EventPollDelayMs) * time.Millisecond).
		WithOnEvent(onEvent).
		WithOnError(func(err error) { logrus.WithError(err).Errorf("job %s: engine error", jobID) }).
		Build(ctx)
	if err != nil {
		s.markJobError(jobID, err)
		return
	}

	s.mu.Lock()
	entry.engine = eng
	s.mu.Unlock()

	if req.TargetBlock != nil {
		err = eng.IndexToBlock(ctx, *req.TargetBlock)
	} else {
		err = eng.Watch(ctx)
	}
	if err != nil && ctx.Err() == nil {
		s.markJobError(jobID, err)
		return
	}

	s.mu.Lock()
	if entry.status.Status != "cancelled" {
		entry.status.Status = "finished"
		finished := time.Now()
		entry.status.FinishedAt = &finished
	}
	s.mu.Unlock()
}

// getJob handles GET /jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry.status)
}

// cancelJob handles DELETE /jobs/{id}
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	entry.status.Status = "cancelled"
	finished := time.Now()
	entry.status.FinishedAt = &finished
	s.mu.Unlock()

	if entry.engine != nil {
		entry.engine.Stop()
	}
	if entry.cancel != nil {
		entry.cancel()
	}

	w.WriteHeader(http.StatusNoContent)
}

// markJobError sets the status of the job to error with the provided err.
func (s *Server) markJobError(jobID string, err error) {
	logrus.Errorf("job %s failed: %v", jobID, err)
	s.mu.Lock()
	if entry, ok := s.jobs[jobID]; ok {
		entry.status.Status = "error"
		entry.status.Error = err.Error()
		finished := time.Now()
		entry.status.FinishedAt = &finished
	}
	s.mu.Unlock()
}

// buildConfigFromRequest converts the HTTP request into a validated
// *config.Config, replicating config.Load's validation without reading a
// file from disk.
func buildConfigFromRequest(req JobRequest) (*config.Config, error) {
	cfg := &config.Config{
		Chain:             req.Chain,
		Contracts:         req.Contracts,
		EventPollDelayMs:  req.EventPollDelayMs,
		Cache:             req.Cache,
		SubscriptionStore: req.SubscriptionStore,
		Retry:             req.Retry,
		CSVOutputDir:      req.CSVOutputDir,
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 5
	}
	if cfg.Retry.RetryDelayMS == 0 {
		cfg.Retry.RetryDelayMS = 500
	}
	if cfg.Retry.MaxInFlight == 0 {
		cfg.Retry.MaxInFlight = 10
	}
	if cfg.Retry.CallTimeoutS == 0 {
		cfg.Retry.CallTimeoutS = 30
	}
	if cfg.EventPollDelayMs == 0 {
		cfg.EventPollDelayMs = 4000
	}

	if cfg.Chain.RPC == "" {
		return nil, fmt.Errorf("chain.rpc is required")
	}
	if cfg.Chain.ID == 0 {
		return nil, fmt.Errorf("chain.id is required")
	}
	if len(cfg.Contracts) == 0 {
		return nil, fmt.Errorf("at least one contract must be defined")
	}

	for i, c := range cfg.Contracts {
		if c.Name == "" {
			return nil, fmt.Errorf("contract at index %d missing name", i)
		}
		if c.Address == "" {
			return nil, fmt.Errorf("contract '%s' missing address", c.Name)
		}
		if c.ABI == "" {
			return nil, fmt.Errorf("contract '%s' missing abi path", c.Name)
		}
		if err := parseABIFile(&cfg.Contracts[i]); err != nil {
			return nil, err
		}
		for _, sc := range c.Subscriptions {
			if _, ok := cfg.Contracts[i].ParsedABI.Events[sc.Event]; !ok {
				return nil, fmt.Errorf("contract '%s': event '%s' not found in ABI", c.Name, sc.Event)
			}
		}
	}

	return cfg, nil
}

// parseABIFile loads and parses the ABI JSON file specified in the contract config.
func parseABIFile(c *config.ContractConfig) error {
	abiBytes, err := os.ReadFile(c.ABI)
	if err != nil {
		return fmt.Errorf("failed to read abi file for contract '%s': %w", c.Name, err)
	}
	parsed, err := abi.JSON(bytes.NewReader(abiBytes))
	if err != nil {
		return fmt.Errorf("failed to parse abi for contract '%s': %w", c.Name, err)
	}
	c.ParsedABI = &parsed
	return nil
}

// newUUID generates a 32-hex character random ID (not RFC4122 but good enough for internal use).
func newUUID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
