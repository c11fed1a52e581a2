package sigserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeeRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/feerate/cancel/abc123", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]int64{"feerate": 12})
	}))
	defer srv.Close()

	c := New(srv.URL)
	rate, err := c.FeeRate(FeeRateCancel, "abc123")
	require.NoError(t, err)
	require.EqualValues(t, 12, rate)
}

func TestSendAndGetSignature(t *testing.T) {
	stored := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, r.ParseForm())
			stored = r.Form.Get("sig")
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{"sig": stored})
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.SendSignature("txid1", 2, "deadbeef"))

	sig, err := c.GetSignature("txid1", 2)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", sig)
}

func TestGetSignatureNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	sig, err := c.GetSignature("txid1", 1)
	require.NoError(t, err)
	require.Empty(t, sig)
}

func TestRequestSpend(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.RequestSpend("vtxid", map[string]int64{"bc1qxyz": 50000})
	require.NoError(t, err)
	require.Equal(t, "/spend/vtxid", gotPath)
}

func TestAcceptRefuseSpend(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.AcceptSpend("vtxid"))
	require.Equal(t, "/spend/vtxid/accept", gotPath)

	require.NoError(t, c.RefuseSpend("vtxid"))
	require.Equal(t, "/spend/vtxid/refuse", gotPath)
}

func TestSpendAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/spend/vtxid/accepted", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
	}))
	defer srv.Close()

	c := New(srv.URL)
	ok, err := c.SpendAccepted("vtxid")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGetSpends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/spends", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]map[string]int64{
			"vtxid": {"bc1qxyz": 50000},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	spends, err := c.GetSpends()
	require.NoError(t, err)
	require.Equal(t, int64(50000), spends["vtxid"]["bc1qxyz"])
}
