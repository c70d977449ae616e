package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	testKey    = "test-api-key"
	testSecret = "test-api-secret"
	serverTime = "1700000000123"
)

func newTestClient(srv *httptest.Server) *Client {
	return &Client{
		client:      resty.New().SetBaseURL(srv.URL),
		recvWindow:  "5000",
		logger:      zap.NewNop(),
		limiter:     rate.NewLimiter(rate.Inf, 1),
		instruments: gocache.New(time.Minute, 2*time.Minute),
	}
}

// serveJSON writes a JSON body with the proper content type.
func serveJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

// serveTime answers the server-time endpoint every signed call starts with.
func serveTime(w http.ResponseWriter) {
	serveJSON(w, fmt.Sprintf(`{"retCode":0,"retMsg":"OK","result":{"timeNano":"%s456789"}}`, serverTime))
}

func expectedSignature(payload string) string {
	h := hmac.New(sha256.New, []byte(testSecret))
	h.Write([]byte(serverTime + testKey + "5000" + payload))
	return hex.EncodeToString(h.Sum(nil))
}

func TestGetServerTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/time", r.URL.Path)
		serveTime(w)
	}))
	defer srv.Close()

	ms, err := newTestClient(srv).GetServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), ms)
}

func TestSignedPost_SignsWithServerTime(t *testing.T) {
	var gotBody string
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			serveTime(w)
			return
		}
		assert.Equal(t, "/v5/position/set-leverage", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotHeaders = r.Header
		serveJSON(w, `{"retCode":0,"retMsg":"OK","result":{}}`)
	}))
	defer srv.Close()

	creds := Credentials{Key: testKey, Secret: testSecret}
	err := newTestClient(srv).SetLeverage(context.Background(), creds, "BTCUSDT", 10)
	require.NoError(t, err)

	assert.Equal(t, testKey, gotHeaders.Get("X-BAPI-API-KEY"))
	assert.Equal(t, serverTime, gotHeaders.Get("X-BAPI-TIMESTAMP"))
	assert.Equal(t, "5000", gotHeaders.Get("X-BAPI-RECV-WINDOW"))
	assert.Equal(t, expectedSignature(gotBody), gotHeaders.Get("X-BAPI-SIGN"))
}

func TestSetLeverage_NotModifiedIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			serveTime(w)
			return
		}
		serveJSON(w, `{"retCode":110043,"retMsg":"leverage not modified","result":{}}`)
	}))
	defer srv.Close()

	creds := Credentials{Key: testKey, Secret: testSecret}
	err := newTestClient(srv).SetLeverage(context.Background(), creds, "BTCUSDT", 10)
	assert.NoError(t, err)
}

func TestDoRequest_NonZeroRetCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			serveTime(w)
			return
		}
		serveJSON(w, `{"retCode":10001,"retMsg":"params error","result":{}}`)
	}))
	defer srv.Close()

	creds := Credentials{Key: testKey, Secret: testSecret}
	err := newTestClient(srv).SetLeverage(context.Background(), creds, "BTCUSDT", 10)

	var exchErr *ExchangeError
	require.ErrorAs(t, err, &exchErr)
	assert.Equal(t, 10001, exchErr.Code)
	assert.Equal(t, "params error", exchErr.Message)
}

func TestGetInstrumentInfo_Caches(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/v5/market/instruments-info", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		serveJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT","lotSizeFilter":{"minOrderQty":"0.001","qtyStep":"0.001"}}]}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	ctx := context.Background()

	info, err := c.GetInstrumentInfo(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.001, info.MinQty)
	assert.Equal(t, 0.001, info.QtyStep)

	_, err = c.GetInstrumentInfo(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCreateOrder_EnrichedFromHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/time":
			serveTime(w)
		case "/v5/order/create":
			serveJSON(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"ord-1"}}`)
		case "/v5/order/history":
			assert.Equal(t, "ord-1", r.URL.Query().Get("orderId"))
			serveJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"avgPrice":"100.5","cumExecFee":"0.055","orderStatus":"Filled"}]}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	creds := Credentials{Key: testKey, Secret: testSecret}
	order, err := newTestClient(srv).CreateOrder(context.Background(), creds, OrderParams{
		Symbol: "BTCUSDT", Side: "Buy", OrderType: "Market", Quantity: 0.5, Price: 100,
	})

	require.NoError(t, err)
	assert.Equal(t, "ord-1", order.OrderID)
	assert.Equal(t, 100.5, order.ExecutedPrice)
	assert.Equal(t, 0.055, order.Fees)
	assert.Equal(t, "Filled", order.Status)
}

func TestCreateOrder_HistoryLookupFailureKeepsRequestedPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/time":
			serveTime(w)
		case "/v5/order/create":
			serveJSON(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"ord-2"}}`)
		case "/v5/order/history":
			serveJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[]}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	creds := Credentials{Key: testKey, Secret: testSecret}
	order, err := newTestClient(srv).CreateOrder(context.Background(), creds, OrderParams{
		Symbol: "BTCUSDT", Side: "Buy", OrderType: "Limit", Quantity: 0.5, Price: 99.5,
	})

	require.NoError(t, err)
	assert.Equal(t, "ord-2", order.OrderID)
	assert.Equal(t, 99.5, order.ExecutedPrice)
	assert.Equal(t, "Created", order.Status)
}

func TestGetClosedPnl(t *testing.T) {
	start := time.UnixMilli(1700000000000)
	end := start.Add(24 * time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			serveTime(w)
			return
		}
		assert.Equal(t, "/v5/position/closed-pnl", r.URL.Path)
		assert.Equal(t, "1700000000000", r.URL.Query().Get("startTime"))
		assert.Equal(t, "1700086400000", r.URL.Query().Get("endTime"))
		// The second entry is malformed and must be skipped, not matched as
		// zero values.
		serveJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[
			{"orderId":"ord-3","symbol":"BTCUSDT","side":"Sell","qty":"0.5","closedPnl":"4.2","avgEntryPrice":"100.1","avgExitPrice":"108.5","createdTime":"1700000500000"},
			{"orderId":"ord-bad","symbol":"BTCUSDT","side":"Sell","qty":"n/a","closedPnl":"","avgEntryPrice":"100","avgExitPrice":"101","createdTime":"1700000600000"}
		]}}`)
	}))
	defer srv.Close()

	creds := Credentials{Key: testKey, Secret: testSecret}
	records, err := newTestClient(srv).GetClosedPnl(context.Background(), creds, "BTCUSDT", start, end)

	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "ord-3", rec.OrderID)
	assert.Equal(t, "Sell", rec.Side)
	assert.Equal(t, 0.5, rec.Quantity)
	assert.Equal(t, 4.2, rec.ClosedPnl)
	assert.Equal(t, 100.1, rec.AvgEntryPrice)
	assert.Equal(t, 108.5, rec.AvgExitPrice)
	assert.Equal(t, time.UnixMilli(1700000500000), rec.CreatedAt)
}

func TestDoRequest_ContentTypeQuirks(t *testing.T) {
	t.Run("json served without a content type still decodes", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Go sniffs this as text/plain; the envelope is JSON regardless.
			fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{"timeNano":"%s456789"}}`, serverTime)
		}))
		defer srv.Close()

		ms, err := newTestClient(srv).GetServerTime(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000123), ms)
	})

	t.Run("html error page is an error, not silent success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body>gateway error</body></html>`)
		}))
		defer srv.Close()

		creds := Credentials{Key: testKey, Secret: testSecret}
		err := newTestClient(srv).SetLeverage(context.Background(), creds, "BTCUSDT", 10)
		assert.Error(t, err)
	})
}

func TestExchangeErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ExchangeError{Code: 110043, Message: "leverage not modified"})

	var exchErr *ExchangeError
	assert.True(t, errors.As(err, &exchErr))
	assert.Equal(t, 110043, exchErr.Code)
}
