package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/balance-ledger/auth"
	"github.com/warp/balance-ledger/ledger"
	"github.com/warp/balance-ledger/ledger/store"
	"github.com/warp/balance-ledger/metrics"
	"github.com/warp/balance-ledger/users"
)

type testAPI struct {
	t      *testing.T
	router http.Handler
	ledger *ledger.Service
	store  *store.Memory
	locks  *ledger.AccountLocks
}

func newTestAPI(t *testing.T, opts ...func(*RouterOptions)) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	issuer, err := auth.NewIssuer("test-secret", "balance-ledger", time.Hour)
	require.NoError(t, err)

	locks := ledger.NewAccountLocks()
	ledgerSvc := ledger.NewService(mem, ledger.WithLocks(locks))
	userSvc := users.NewService(users.NewMemoryRepository(), mem, issuer,
		users.WithHashParams(users.HashParams{MemoryKB: 8, Time: 1, Parallelism: 1, SaltLen: 8, KeyLen: 16}))

	ro := RouterOptions{Auth: issuer}
	for _, opt := range opts {
		opt(&ro)
	}
	return &testAPI{
		t:      t,
		router: NewRouter(NewHandler(ledgerSvc, userSvc, nil), ro),
		ledger: ledgerSvc,
		store:  mem,
		locks:  locks,
	}
}

func (a *testAPI) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// signUp registers a user and logs in, returning the session.
func (a *testAPI) signUp(name, email string) SessionDTO {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/users", "", map[string]string{
		"name": name, "email": email, "password": "password123",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/api/v1/sessions", "", map[string]string{
		"email": email, "password": "password123",
	})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	var session SessionDTO
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &session))
	return session
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateUser(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/users", "", map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "password123",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	u := decode[UserDTO](t, rec)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, u.ID, u.AccountID)
	assert.NotContains(t, rec.Body.String(), "password")

	// WHEN: The same email registers again
	rec = a.do(http.MethodPost, "/api/v1/users", "", map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "password123",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateUser_Validation(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/users", "", map[string]string{
		"name": "Ada", "email": "nope", "password": "1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, CodeValidation, resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "must be a valid email", details["email"])
	assert.Equal(t, "must be at least 6", details["password"])

	rec = a.do(http.MethodPost, "/api/v1/users", "", `{"name":"Ada","email":"a@example.com","password":"password123","admin":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestCreateSession_WrongPassword(t *testing.T) {
	a := newTestAPI(t)
	a.signUp("Ada", "ada@example.com")

	rec := a.do(http.MethodPost, "/api/v1/sessions", "", map[string]string{
		"email": "ada@example.com", "password": "wrong-password",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "Incorrect email or password", resp.Message)

	rec = a.do(http.MethodPost, "/api/v1/sessions", "", map[string]string{
		"email": "nobody@example.com", "password": "password123",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProfile(t *testing.T) {
	a := newTestAPI(t)
	s := a.signUp("Ada", "ada@example.com")

	rec := a.do(http.MethodGet, "/api/v1/profile", s.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ada@example.com", decode[UserDTO](t, rec).Email)

	rec = a.do(http.MethodGet, "/api/v1/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "JWT token is missing!", decode[ErrorResponse](t, rec).Message)

	rec = a.do(http.MethodGet, "/api/v1/profile", "undefined", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "JWT invalid token!", decode[ErrorResponse](t, rec).Message)
}

func TestDepositWithdraw(t *testing.T) {
	// GIVEN: A registered user with an empty account
	a := newTestAPI(t)
	s := a.signUp("Ada", "ada@example.com")

	// WHEN: They deposit 100
	rec := a.do(http.MethodPost, "/api/v1/statements/deposit", s.Token, map[string]any{
		"amount": 100, "description": "Deposit",
	})

	// THEN
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dep := decode[MovementDTO](t, rec)
	assert.NotEmpty(t, dep.ID)
	assert.Equal(t, s.User.ID, dep.UserID)
	assert.Equal(t, TypeDeposit, dep.Type)
	assert.Equal(t, "100.00", dep.Amount.String())
	assert.Equal(t, int64(1), dep.Sequence)

	rec = a.do(http.MethodPost, "/api/v1/statements/withdraw", s.Token, map[string]any{
		"amount": 100, "description": "Withdraw",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, TypeWithdraw, decode[MovementDTO](t, rec).Type)

	// AND: A further withdrawal is declined
	rec = a.do(http.MethodPost, "/api/v1/statements/withdraw", s.Token, map[string]any{
		"amount": 100, "description": "Withdraw",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "Insufficient funds", resp.Message)
	assert.Equal(t, CodeInsufficientFunds, resp.Code)

	rec = a.do(http.MethodGet, "/api/v1/statements/balance", s.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[BalanceDTO](t, rec)
	assert.Equal(t, "0.00", bal.Balance.String())
	assert.Len(t, bal.Statement, 2)
}

func TestDeposit_InvalidAmounts(t *testing.T) {
	a := newTestAPI(t)
	s := a.signUp("Ada", "ada@example.com")

	for _, body := range []string{
		`{"amount": 0, "description": "x"}`,
		`{"amount": -5, "description": "x"}`,
		`{"amount": 1.005, "description": "x"}`,
		`{"description": "x"}`,
		`{"amount": "abc"}`,
		`{"amount": 1e300000000, "description": "x"}`,
		`{"amount": 1e-300000000, "description": "x"}`,
		`{"amount": 1000000000000000000, "description": "x"}`,
		`not json`,
	} {
		rec := a.do(http.MethodPost, "/api/v1/statements/deposit", s.Token, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	bal, err := a.ledger.CurrentBalance(t.Context(), ledger.AccountID(s.User.AccountID))
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestWithdraw_ConcurrentDoubleSpend(t *testing.T) {
	// GIVEN: Balance 100 and two simultaneous withdrawals of 100
	a := newTestAPI(t)
	s := a.signUp("Ada", "ada@example.com")
	rec := a.do(http.MethodPost, "/api/v1/statements/deposit", s.Token, map[string]any{"amount": 100})
	require.Equal(t, http.StatusCreated, rec.Code)

	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = a.do(http.MethodPost, "/api/v1/statements/withdraw", s.Token, map[string]any{"amount": 100}).Code
		}()
	}
	wg.Wait()

	// THEN: Exactly one is admitted
	assert.ElementsMatch(t, []int{http.StatusCreated, http.StatusBadRequest}, codes)
}

func TestGetStatement(t *testing.T) {
	a := newTestAPI(t)
	ada := a.signUp("Ada", "ada@example.com")
	bob := a.signUp("Bob", "bob@example.com")

	rec := a.do(http.MethodPost, "/api/v1/statements/deposit", ada.Token, map[string]any{"amount": 12.5, "description": "Salary"})
	require.Equal(t, http.StatusCreated, rec.Code)
	dep := decode[MovementDTO](t, rec)

	rec = a.do(http.MethodGet, "/api/v1/statements/"+dep.ID, ada.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[MovementDTO](t, rec)
	assert.Equal(t, "12.50", got.Amount.String())
	assert.Equal(t, "Salary", got.Description)

	// THEN: Another user cannot read it
	rec = a.do(http.MethodGet, "/api/v1/statements/"+dep.ID, bob.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/statements/missing", ada.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransfer(t *testing.T) {
	a := newTestAPI(t)
	ada := a.signUp("Ada", "ada@example.com")
	bob := a.signUp("Bob", "bob@example.com")
	a.do(http.MethodPost, "/api/v1/statements/deposit", ada.Token, map[string]any{"amount": 50})

	rec := a.do(http.MethodPost, "/api/v1/statements/transfers/"+bob.User.AccountID, ada.Token,
		map[string]any{"amount": 20, "description": "Rent"}, IdempotencyHeader, "rent-march")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tr := decode[TransferDTO](t, rec)
	assert.Equal(t, ada.User.AccountID, tr.From)
	assert.Equal(t, bob.User.AccountID, tr.To)
	assert.Equal(t, TypeTransferOut, tr.Debit.Type)
	assert.Equal(t, TypeTransferIn, tr.Credit.Type)

	// WHEN: The client retries with the same key
	rec = a.do(http.MethodPost, "/api/v1/statements/transfers/"+bob.User.AccountID, ada.Token,
		map[string]any{"amount": 20, "description": "Rent"}, IdempotencyHeader, "rent-march")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, tr.ID, decode[TransferDTO](t, rec).ID)

	// THEN: Funds moved once
	adaBal := decode[BalanceDTO](t, a.do(http.MethodGet, "/api/v1/statements/balance", ada.Token, nil))
	bobBal := decode[BalanceDTO](t, a.do(http.MethodGet, "/api/v1/statements/balance", bob.Token, nil))
	assert.Equal(t, "30.00", adaBal.Balance.String())
	assert.Equal(t, "20.00", bobBal.Balance.String())

	// Errors
	rec = a.do(http.MethodPost, "/api/v1/statements/transfers/"+ada.User.AccountID, ada.Token, map[string]any{"amount": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "self transfer")
	rec = a.do(http.MethodPost, "/api/v1/statements/transfers/nobody", ada.Token, map[string]any{"amount": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = a.do(http.MethodPost, "/api/v1/statements/transfers/"+bob.User.AccountID, ada.Token, map[string]any{"amount": 31})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "insufficient")
}

func TestIdempotencyKey_ReusedWithDifferentAmount(t *testing.T) {
	a := newTestAPI(t)
	s := a.signUp("Ada", "ada@example.com")

	rec := a.do(http.MethodPost, "/api/v1/statements/deposit", s.Token, map[string]any{"amount": 10}, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/statements/deposit", s.Token, map[string]any{"amount": 11}, IdempotencyHeader, "k1")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTransfer_KeyIndependentOfRecipientKeys(t *testing.T) {
	// GIVEN: Bob used "k" for his own deposit
	a := newTestAPI(t)
	ada := a.signUp("Ada", "ada@example.com")
	bob := a.signUp("Bob", "bob@example.com")
	a.do(http.MethodPost, "/api/v1/statements/deposit", ada.Token, map[string]any{"amount": 50})
	rec := a.do(http.MethodPost, "/api/v1/statements/deposit", bob.Token, map[string]any{"amount": 5}, IdempotencyHeader, "k")
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: Ada transfers to Bob under "k", then under "k2"
	rec = a.do(http.MethodPost, "/api/v1/statements/transfers/"+bob.User.AccountID, ada.Token,
		map[string]any{"amount": 10}, IdempotencyHeader, "k")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = a.do(http.MethodPost, "/api/v1/statements/transfers/"+bob.User.AccountID, ada.Token,
		map[string]any{"amount": 10}, IdempotencyHeader, "k2")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: Bob can still use "k2" for his own deposit
	rec = a.do(http.MethodPost, "/api/v1/statements/deposit", bob.Token, map[string]any{"amount": 1}, IdempotencyHeader, "k2")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	bobBal := decode[BalanceDTO](t, a.do(http.MethodGet, "/api/v1/statements/balance", bob.Token, nil))
	assert.Equal(t, "26.00", bobBal.Balance.String())
}

func TestDeposit_DeadlineWhileWaitingRecordsNothing(t *testing.T) {
	// GIVEN: A short request deadline and Ada's account section held elsewhere
	a := newTestAPI(t, func(o *RouterOptions) { o.RequestTimeout = 100 * time.Millisecond })
	s := a.signUp("Ada", "ada@example.com")
	acct := ledger.AccountID(s.User.AccountID)
	release, err := a.locks.Acquire(t.Context(), acct)
	require.NoError(t, err)
	defer release()

	// WHEN: Depositing
	rec := a.do(http.MethodPost, "/api/v1/statements/deposit", s.Token, map[string]any{"amount": 10})

	// THEN: 503 with Retry-After, and no movement was written
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, CodeUnavailable, decode[ErrorResponse](t, rec).Code)

	release()
	history, err := a.store.History(t.Context(), acct)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewLedgerMetrics(reg)
	m.ObserveRecord("credit", ledger.OutcomeAdmitted, time.Millisecond)

	a := newTestAPI(t, func(o *RouterOptions) { o.Gatherer = reg })
	rec := a.do(http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ledger_records_total{op="credit",outcome="admitted"} 1`)

	// Without a gatherer the route is not mounted
	rec = newTestAPI(t).do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
