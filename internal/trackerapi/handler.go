package trackerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bitvault-labs/vault-tracker/internal/pegin"
	"github.com/bitvault-labs/vault-tracker/internal/pendingstore"
	"github.com/bitvault-labs/vault-tracker/internal/reconciler"
	"github.com/bitvault-labs/vault-tracker/internal/signpoller"
	"github.com/bitvault-labs/vault-tracker/internal/txarchive"
)

var ErrInvalidConfig = errors.New("trackerapi: invalid config")

// Reconciler is the read path: one pass merging chain rows with local
// pending records.
type Reconciler interface {
	Reconcile(ctx context.Context, depositor common.Address) (reconciler.Result, error)
}

// PollerManager is the signing-readiness path. Optional: without it the
// transactions endpoint serves archived sets only.
type PollerManager interface {
	Track(ctx context.Context, t signpoller.Target) error
	SetLocalStatus(peginTxID string, status pegin.LocalStatus)
	Untrack(peginTxID string)
	Snapshot(peginTxID string) (signpoller.State, bool)
}

type Config struct {
	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config, rec Reconciler, store pendingstore.Store) (*Handler, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil reconciler", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil pending store", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &Handler{
		cfg:        cfg,
		reconciler: rec,
		store:      store,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/activities", h.handleActivities)
	mux.HandleFunc("POST /v1/pegins", h.handlePeginCreate)
	mux.HandleFunc("POST /v1/pegins/{peginTxId}/status", h.handlePeginStatus)
	mux.HandleFunc("DELETE /v1/pegins/{peginTxId}", h.handlePeginDelete)
	mux.HandleFunc("GET /v1/pegins/{peginTxId}/transactions", h.handlePeginTransactions)
	h.mux = mux
	return h, nil
}

type Handler struct {
	cfg Config

	reconciler Reconciler
	store      pendingstore.Store
	pollers    PollerManager
	archive    txarchive.Archive

	limiter *ipRateLimiter
	mux     *http.ServeMux
}

// WithPollerManager enables live readiness snapshots and poll lifecycle
// management on the peg-in endpoints.
func (h *Handler) WithPollerManager(m PollerManager) *Handler {
	h.pollers = m
	return h
}

// WithArchive enables serving payout sets persisted by earlier polls.
func (h *Handler) WithArchive(a txarchive.Archive) *Handler {
	h.archive = a
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Health checks must never be throttled.
	if r.URL.Path == "/healthz" {
		h.mux.ServeHTTP(w, r)
		return
	}

	now := h.cfg.Now().UTC()
	ip := clientIP(r)
	allowed := h.limiter.Allow(ip, now)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
	if !allowed {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"version": "v1",
			"error":   "rate_limited",
		})
		return
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *Handler) handleActivities(w http.ResponseWriter, r *http.Request) {
	addrStr := strings.TrimSpace(r.URL.Query().Get("address"))
	if !common.IsHexAddress(addrStr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_address",
		})
		return
	}
	depositor := common.HexToAddress(addrStr)

	res, err := h.reconciler.Reconcile(r.Context(), depositor)
	if err != nil {
		var fe *reconciler.FetchError
		if errors.As(err, &fe) {
			// Serve the last-known snapshot alongside the failure so the
			// caller can keep rendering instead of blanking the list.
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"version":    "v1",
				"error":      "chain_unavailable",
				"retryable":  true,
				"stale":      true,
				"activities": h.activityRows(res.Activities, res.Pending),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"address":    strings.ToLower(depositor.Hex()),
		"stale":      res.Stale,
		"activities": h.activityRows(res.Activities, res.Pending),
	})
}

type peginCreateBody struct {
	Address   string `json:"address"`
	PeginTxID string `json:"peginTxId"`
}

func (h *Handler) handlePeginCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[peginCreateBody](w, r)
	if !ok {
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(body.Address)) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_address",
		})
		return
	}
	id, ok := txIDParam(w, body.PeginTxID)
	if !ok {
		return
	}
	addr := strings.ToLower(common.HexToAddress(strings.TrimSpace(body.Address)).Hex())

	rec, err := h.store.Add(r.Context(), addr, id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "store_failed",
		})
		return
	}

	if h.pollers != nil {
		target := signpoller.Target{
			PeginTxID:      id,
			ContractStatus: pegin.StatusPending,
			LocalStatus:    rec.Status,
		}
		if err := h.pollers.Track(context.WithoutCancel(r.Context()), target); err != nil && !errors.Is(err, signpoller.ErrNotEligible) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"version": "v1",
				"error":   "poll_start_failed",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"address":   addr,
		"peginTxId": rec.ID,
		"status":    string(rec.Status),
		"timestamp": rec.Timestamp,
		"message":   pegin.PendingMessage(rec.Status),
	})
}

type peginStatusBody struct {
	Address string `json:"address"`
	Status  string `json:"status"`
}

func (h *Handler) handlePeginStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := txIDParam(w, r.PathValue("peginTxId"))
	if !ok {
		return
	}
	body, ok := decodeJSONBody[peginStatusBody](w, r)
	if !ok {
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(body.Address)) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_address",
		})
		return
	}
	next := pegin.LocalStatus(strings.TrimSpace(body.Status))
	if !next.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_status",
		})
		return
	}
	addr := strings.ToLower(common.HexToAddress(strings.TrimSpace(body.Address)).Hex())

	records, err := h.store.Load(r.Context(), addr)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "store_failed",
		})
		return
	}
	var current *pegin.PendingRecord
	for i := range records {
		if pegin.TxIDKey(records[i].ID) == id {
			current = &records[i]
			break
		}
	}
	if current == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"version": "v1",
			"error":   "unknown_pegin",
		})
		return
	}
	// The local flow only moves forward; a stale client cannot rewind it.
	if !current.Status.CanAdvanceTo(next) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"version": "v1",
			"error":   "invalid_transition",
			"from":    string(current.Status),
			"to":      string(next),
		})
		return
	}

	if err := h.store.UpdateStatus(r.Context(), addr, current.ID, next); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "store_failed",
		})
		return
	}
	if h.pollers != nil {
		h.pollers.SetLocalStatus(id, next)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"peginTxId": current.ID,
		"status":    string(next),
		"message":   pegin.PendingMessage(next),
	})
}

func (h *Handler) handlePeginDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := txIDParam(w, r.PathValue("peginTxId"))
	if !ok {
		return
	}
	addrStr := strings.TrimSpace(r.URL.Query().Get("address"))
	if !common.IsHexAddress(addrStr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_address",
		})
		return
	}
	addr := strings.ToLower(common.HexToAddress(addrStr).Hex())

	if err := h.store.Remove(r.Context(), addr, id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "store_failed",
		})
		return
	}
	if h.pollers != nil {
		h.pollers.Untrack(id)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"peginTxId": id,
		"removed":   true,
	})
}

func (h *Handler) handlePeginTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := txIDParam(w, r.PathValue("peginTxId"))
	if !ok {
		return
	}
	addrStr := strings.TrimSpace(r.URL.Query().Get("address"))
	if !common.IsHexAddress(addrStr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_address",
		})
		return
	}
	addr := strings.ToLower(common.HexToAddress(addrStr).Hex())

	// Payout sets are served only to the address that registered the
	// peg-in; a tracked id is not discoverable across depositors.
	records, err := h.store.Load(r.Context(), addr)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "store_failed",
		})
		return
	}
	owned := false
	for _, rec := range records {
		if pegin.TxIDKey(rec.ID) == id {
			owned = true
			break
		}
	}
	if !owned {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"version":   "v1",
			"peginTxId": id,
			"error":     "unknown_pegin",
		})
		return
	}

	if h.pollers != nil {
		if st, ok := h.pollers.Snapshot(id); ok {
			if st.Ready {
				writeJSON(w, http.StatusOK, map[string]any{
					"version":      "v1",
					"peginTxId":    id,
					"ready":        true,
					"transactions": st.Transactions,
				})
				return
			}
			resp := map[string]any{
				"version":   "v1",
				"peginTxId": id,
				"ready":     false,
				"attempts":  st.Attempts,
				"message":   st.Display.Warning,
			}
			if st.LastErr != nil {
				resp["lastError"] = st.LastErr.Error()
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	if h.archive != nil {
		sets, err := h.archive.LoadPayoutSet(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"version":      "v1",
				"peginTxId":    id,
				"ready":        true,
				"transactions": sets,
			})
			return
		}
		if !errors.Is(err, txarchive.ErrNotFound) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"version": "v1",
				"error":   "archive_failed",
			})
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]any{
		"version":   "v1",
		"peginTxId": id,
		"error":     "unknown_pegin",
	})
}

type activityRow struct {
	ID             string   `json:"id"`
	CollateralSats string   `json:"collateralSats"`
	ContractStatus string   `json:"contractStatus"`
	InUse          bool     `json:"inUse"`
	TxHash         string   `json:"txHash,omitempty"`
	Timestamp      int64    `json:"timestamp,omitempty"`
	IsPending      bool     `json:"isPending,omitempty"`
	Message        string   `json:"message,omitempty"`
	Label          string   `json:"label"`
	Badge          string   `json:"badge"`
	Actions        []string `json:"actions,omitempty"`
	Warning        string   `json:"warning,omitempty"`
}

// activityRows resolves the display state per row: the matching pending
// record supplies the local status and a ready poller snapshot sets
// transaction readiness, so the label, actions, and warning a row carries
// agree with its refinement message.
func (h *Handler) activityRows(activities []pegin.Activity, pending []pegin.PendingRecord) []activityRow {
	localByID := make(map[string]pegin.LocalStatus, len(pending))
	for _, rec := range pending {
		localByID[pegin.TxIDKey(rec.ID)] = rec.Status
	}

	rows := make([]activityRow, 0, len(activities))
	for _, a := range activities {
		key := pegin.TxIDKey(a.ID)
		rc := pegin.ResolveContext{
			LocalStatus: localByID[key],
			InUse:       a.InUse,
		}
		if h.pollers != nil {
			if st, ok := h.pollers.Snapshot(key); ok && st.Ready {
				rc.TransactionsReady = true
			}
		}
		d := pegin.Resolve(a.ContractStatus, rc)
		row := activityRow{
			ID:             a.ID,
			CollateralSats: strconv.FormatUint(a.CollateralSats, 10),
			ContractStatus: a.ContractStatus.String(),
			InUse:          a.InUse,
			TxHash:         a.TxHash,
			Timestamp:      a.Timestamp,
			IsPending:      a.IsPending,
			Message:        a.Message,
			Label:          d.Label,
			Badge:          string(d.Badge),
			Warning:        d.Warning,
		}
		for _, act := range d.Actions {
			row.Actions = append(row.Actions, act.String())
		}
		rows = append(rows, row)
	}
	return rows
}

// txIDParam canonicalizes a peg-in tx id from a path or body and rejects
// malformed ones. Accepting the id verbatim would register records under
// spellings (0x prefix, uppercase) that never match their chain row.
func txIDParam(w http.ResponseWriter, raw string) (string, bool) {
	id, err := pegin.NormalizeTxID(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_pegin_tx_id",
		})
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_json",
		})
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
