// Package sandbox is a local stand-in for the Daraja STK push API. It issues
// tokens, accepts STK pushes, answers status queries and delivers simulated
// callbacks through a small worker pool.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"

	gatewaytypes "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/mpesa-payments/internal/paymentgateway"
)

const (
	ResultSuccess         = 0
	ResultInsufficient    = 1
	ResultCancelledByUser = 1032
	ResultTimeout         = 1037
)

type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	TokenTTL       time.Duration
	// TokenDelay slows the token endpoint down, handy for exercising concurrent refreshes.
	TokenDelay       time.Duration
	CallbackDelayMin time.Duration
	CallbackDelayMax time.Duration
	SuccessRate      float64
	// DisableCallbacks leaves every session pending until Resolve is called.
	DisableCallbacks bool
	MaxWorkers       int
	JobQueueSize     int
}

type callbackJob struct {
	CheckoutRequestID string
}

type session struct {
	request           gatewaytypes.STKPushRequest
	checkoutRequestID string
	merchantRequestID string
	resolved          bool
	resultCode        int
	resultDesc        string
	receipt           string
	createdAt         time.Time
}

type worker struct {
	id         int
	workerPool chan chan callbackJob
	jobChannel chan callbackJob
	logger     *slog.Logger
}

func (w *worker) start(ctx context.Context, wg *sync.WaitGroup, process func(callbackJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case w.workerPool <- w.jobChannel:
			case <-ctx.Done():
				return
			}

			select {
			case job := <-w.jobChannel:
				w.logger.Debug("sandbox worker processing job", "worker_id", w.id, "checkout_request_id", job.CheckoutRequestID)
				process(job)
			case <-ctx.Done():
				w.logger.Debug("sandbox worker shutting down", "worker_id", w.id)
				return
			}
		}
	}()
}

type Server struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]*session
	tokens   map[string]time.Time

	tokenRequests atomic.Int64
	stkRequests   atomic.Int64
	queryRequests atomic.Int64

	jobQueue   chan callbackJob
	workerPool chan chan callbackJob
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.JobQueueSize <= 0 {
		cfg.JobQueueSize = 100
	}
	if cfg.CallbackDelayMax < cfg.CallbackDelayMin {
		cfg.CallbackDelayMax = cfg.CallbackDelayMin
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sessions:   make(map[string]*session),
		tokens:     make(map[string]time.Time),
		jobQueue:   make(chan callbackJob, cfg.JobQueueSize),
		workerPool: make(chan chan callbackJob, cfg.MaxWorkers),
		maxWorkers: cfg.MaxWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.startWorkerPool()
	return s
}

func (s *Server) startWorkerPool() {
	s.once.Do(func() {
		for i := 0; i < s.maxWorkers; i++ {
			w := &worker{id: i, workerPool: s.workerPool, jobChannel: make(chan callbackJob), logger: s.logger}
			w.start(s.ctx, &s.wg, s.processCallbackJob)
		}

		s.wg.Add(1)
		go s.dispatch()

		s.logger.Info("sandbox callback workers started", "max_workers", s.maxWorkers, "queue_size", cap(s.jobQueue))
	})
}

func (s *Server) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case job := <-s.jobQueue:
			select {
			case jobChannel := <-s.workerPool:
				select {
				case jobChannel <- job:
				case <-s.ctx.Done():
					return
				}
			case <-s.ctx.Done():
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) Shutdown() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("sandbox shutdown complete")
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/oauth/v1/generate", s.handleToken)
	r.Group(func(pr chi.Router) {
		pr.Use(s.requireToken)
		pr.Post("/mpesa/stkpush/v1/processrequest", s.handleSTKPush)
		pr.Post("/mpesa/stkpushquery/v1/query", s.handleQuery)
	})
	return r
}

func (s *Server) TokenRequests() int64 { return s.tokenRequests.Load() }
func (s *Server) STKRequests() int64   { return s.stkRequests.Load() }
func (s *Server) QueryRequests() int64 { return s.queryRequests.Load() }

// RevokeTokens forgets every issued token so the next API call gets a 401.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	s.tokens = make(map[string]time.Time)
	s.mu.Unlock()
}

// Resolve settles a pending session and, unless callbacks are disabled,
// delivers the callback right away.
func (s *Server) Resolve(checkoutRequestID string, resultCode int) error {
	s.mu.Lock()
	sess, ok := s.sessions[checkoutRequestID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown checkout request %s", checkoutRequestID)
	}
	s.settle(sess, resultCode)
	s.mu.Unlock()

	if !s.cfg.DisableCallbacks {
		return s.sendCallback(s.ctx, checkoutRequestID)
	}
	return nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenRequests.Add(1)

	if s.cfg.TokenDelay > 0 {
		select {
		case <-time.After(s.cfg.TokenDelay):
		case <-r.Context().Done():
			return
		}
	}

	key, secret, ok := r.BasicAuth()
	if !ok || key != s.cfg.ConsumerKey || secret != s.cfg.ConsumerSecret {
		writeJSON(w, http.StatusBadRequest, gatewaytypes.FaultResponse{
			RequestID: uuid.NewString(), ErrorCode: "400.008.01", ErrorMessage: "Invalid Authentication passed",
		})
		return
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	s.mu.Lock()
	s.tokens[token] = time.Now().Add(s.cfg.TokenTTL)
	s.mu.Unlock()

	// Daraja quotes expires_in
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"expires_in":   fmt.Sprintf("%d", int(s.cfg.TokenTTL.Seconds())),
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		exp, ok := s.tokens[token]
		s.mu.Unlock()
		if !ok || time.Now().After(exp) {
			writeJSON(w, http.StatusUnauthorized, gatewaytypes.FaultResponse{
				RequestID: uuid.NewString(), ErrorCode: "404.001.04", ErrorMessage: "Invalid Access Token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSTKPush(w http.ResponseWriter, r *http.Request) {
	s.stkRequests.Add(1)

	var req gatewaytypes.STKPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, gatewaytypes.FaultResponse{RequestID: uuid.NewString(), ErrorCode: "400.002.02", ErrorMessage: "Bad Request - Invalid Body"})
		return
	}
	if fault := s.validatePush(req); fault != "" {
		writeJSON(w, http.StatusBadRequest, gatewaytypes.FaultResponse{RequestID: uuid.NewString(), ErrorCode: "400.002.02", ErrorMessage: fault})
		return
	}

	sess := &session{
		request:           req,
		checkoutRequestID: "ws_CO_" + time.Now().Format("02012006150405") + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		merchantRequestID: fmt.Sprintf("%d-%d-1", rand.Intn(90000)+10000, rand.Intn(9000000)+1000000),
		createdAt:         time.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.checkoutRequestID] = sess
	s.mu.Unlock()

	if !s.cfg.DisableCallbacks {
		select {
		case s.jobQueue <- callbackJob{CheckoutRequestID: sess.checkoutRequestID}:
		default:
			s.logger.Warn("sandbox callback queue full, session stays pending", "checkout_request_id", sess.checkoutRequestID)
		}
	}

	writeJSON(w, http.StatusOK, gatewaytypes.STKPushResponse{
		MerchantRequestID:   sess.merchantRequestID,
		CheckoutRequestID:   sess.checkoutRequestID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	})
}

func (s *Server) validatePush(req gatewaytypes.STKPushRequest) string {
	switch {
	case req.BusinessShortCode != s.cfg.ShortCode:
		return "Invalid BusinessShortCode"
	case req.Password != paymentgateway.Password(s.cfg.ShortCode, s.cfg.PassKey, req.Timestamp):
		return "Invalid Password"
	case req.Amount <= 0:
		return "Invalid Amount"
	case req.CallBackURL == "":
		return "Invalid CallBackURL"
	}
	if _, err := paymentgateway.NormalizePhone(req.PhoneNumber); err != nil {
		return "Invalid PhoneNumber"
	}
	return ""
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.queryRequests.Add(1)

	var req gatewaytypes.STKQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, gatewaytypes.FaultResponse{RequestID: uuid.NewString(), ErrorCode: "400.002.02", ErrorMessage: "Bad Request - Invalid Body"})
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[req.CheckoutRequestID]
	var snapshot session
	if ok {
		snapshot = *sess
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusBadRequest, gatewaytypes.FaultResponse{RequestID: uuid.NewString(), ErrorCode: "400.002.02", ErrorMessage: "Bad Request - Invalid CheckoutRequestID"})
		return
	}
	if !snapshot.resolved {
		writeJSON(w, http.StatusInternalServerError, gatewaytypes.FaultResponse{
			RequestID: uuid.NewString(), ErrorCode: gatewaytypes.FaultStillProcessing, ErrorMessage: "The transaction is being processed",
		})
		return
	}

	writeJSON(w, http.StatusOK, gatewaytypes.STKQueryResponse{
		ResponseCode:        "0",
		ResponseDescription: "The service request has been accepted successsfully",
		MerchantRequestID:   snapshot.merchantRequestID,
		CheckoutRequestID:   snapshot.checkoutRequestID,
		ResultCode:          fmt.Sprintf("%d", snapshot.resultCode),
		ResultDesc:          snapshot.resultDesc,
	})
}

func (s *Server) processCallbackJob(job callbackJob) {
	delay := s.cfg.CallbackDelayMin
	if spread := s.cfg.CallbackDelayMax - s.cfg.CallbackDelayMin; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}

	select {
	case <-time.After(delay):
	case <-s.ctx.Done():
		return
	}

	resultCode := ResultSuccess
	if rand.Float64() >= s.cfg.SuccessRate {
		resultCode = []int{ResultInsufficient, ResultCancelledByUser, ResultTimeout}[rand.Intn(3)]
	}

	s.mu.Lock()
	sess, ok := s.sessions[job.CheckoutRequestID]
	if !ok || sess.resolved {
		s.mu.Unlock()
		return
	}
	s.settle(sess, resultCode)
	s.mu.Unlock()

	if err := s.sendCallback(s.ctx, job.CheckoutRequestID); err != nil {
		s.logger.Error("sandbox callback failed", "checkout_request_id", job.CheckoutRequestID, "error", err)
	}
}

// settle must be called with s.mu held.
func (s *Server) settle(sess *session, resultCode int) {
	sess.resolved = true
	sess.resultCode = resultCode
	switch resultCode {
	case ResultSuccess:
		sess.resultDesc = "The service request is processed successfully."
		sess.receipt = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	case ResultInsufficient:
		sess.resultDesc = "The balance is insufficient for the transaction."
	case ResultCancelledByUser:
		sess.resultDesc = "Request cancelled by user"
	case ResultTimeout:
		sess.resultDesc = "DS timeout user cannot be reached"
	default:
		sess.resultDesc = "Transaction failed"
	}
}

// Envelope renders the callback body Daraja would post for a settled session.
func (s *Server) Envelope(checkoutRequestID string) (gatewaytypes.CallbackEnvelope, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[checkoutRequestID]
	if !ok || !sess.resolved {
		return gatewaytypes.CallbackEnvelope{}, "", fmt.Errorf("checkout request %s is not settled", checkoutRequestID)
	}

	cb := gatewaytypes.STKCallback{
		MerchantRequestID: sess.merchantRequestID,
		CheckoutRequestID: sess.checkoutRequestID,
		ResultCode:        sess.resultCode,
		ResultDesc:        sess.resultDesc,
	}
	if sess.resultCode == ResultSuccess {
		cb.CallbackMetadata = &gatewaytypes.CallbackMetadata{Item: []gatewaytypes.MetadataItem{
			{Name: "Amount", Value: sess.request.Amount},
			{Name: "MpesaReceiptNumber", Value: sess.receipt},
			{Name: "TransactionDate", Value: time.Now().Format("20060102150405")},
			{Name: "PhoneNumber", Value: sess.request.PhoneNumber},
		}}
	}
	return gatewaytypes.CallbackEnvelope{Body: gatewaytypes.CallbackBody{STKCallback: cb}}, sess.request.CallBackURL, nil
}

func (s *Server) sendCallback(ctx context.Context, checkoutRequestID string) error {
	envelope, callbackURL, err := s.Envelope(checkoutRequestID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver callback: %w", err)
	}
	defer resp.Body.Close()

	s.logger.Info("sandbox callback delivered",
		"checkout_request_id", checkoutRequestID,
		"result_code", envelope.Body.STKCallback.ResultCode,
		"status_code", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback endpoint answered %d", resp.StatusCode)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
