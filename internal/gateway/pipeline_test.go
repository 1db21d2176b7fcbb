package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/auth"
	"github.com/MarcoPoloResearchLab/signalhub/internal/batchwriter"
	"github.com/MarcoPoloResearchLab/signalhub/internal/buffer"
	"github.com/MarcoPoloResearchLab/signalhub/internal/database"
	"github.com/MarcoPoloResearchLab/signalhub/internal/deadletter"
	"github.com/MarcoPoloResearchLab/signalhub/internal/gateway"
	"github.com/MarcoPoloResearchLab/signalhub/internal/liststore"
	"github.com/MarcoPoloResearchLab/signalhub/internal/voice"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type persistenceRecorder struct {
	mu       sync.Mutex
	contents []string
}

func (p *persistenceRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				ID      string `json:"id"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode batch: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		for _, message := range body.Messages {
			p.contents = append(p.contents, message.Content)
		}
		p.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}
}

func (p *persistenceRecorder) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.contents...)
}

func TestChatMessagesFlowFromSocketToPersistence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := &persistenceRecorder{}
	persistence := httptest.NewServer(recorder.handler(t))
	defer persistence.Close()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "deadletters.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()
	deadLetters, err := deadletter.NewStore(deadletter.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct dead-letter store: %v", err)
	}

	writer, err := batchwriter.NewClient(batchwriter.ClientConfig{EndpointURL: persistence.URL})
	if err != nil {
		t.Fatalf("failed to construct writer: %v", err)
	}

	policy := buffer.DefaultPolicy()
	policy.BatchSize = 2
	policy.DebounceDelay = 10 * time.Millisecond
	policy.FlushInterval = time.Hour
	engine, err := buffer.NewEngine(buffer.EngineConfig{
		Store:       liststore.NewMemoryStore(),
		Writer:      writer,
		DeadLetters: deadLetters,
		Policy:      policy,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	defer engine.Shutdown(context.Background()) //nolint:errcheck

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("pipeline-secret"), Issuer: "signalhub-test"})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{SigningSecret: []byte("pipeline-secret"), Issuer: "signalhub-test"})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	signalGateway, err := gateway.New(gateway.Config{
		Buffer: engine,
		Voice:  voice.NewEngine(voice.EngineConfig{}),
		Hub:    gateway.NewHub(nil),
	})
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}
	handler, err := gateway.NewHTTPHandler(gateway.Dependencies{Gateway: signalGateway, Validator: validator})
	if err != nil {
		t.Fatalf("failed to construct router: %v", err)
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	token, _, err := issuer.IssueToken("u1", "Alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws?access_token="+token, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	for _, content := range []string{"first", "second"} {
		frame := `{"type":"chat:send","data":{"serverId":1,"channelId":2,"content":"` + content + `"}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("failed to set deadline: %v", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if !strings.Contains(string(raw), `"type":"chat:ack"`) {
			t.Fatalf("expected ack, got %s", raw)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(recorder.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected batch to reach persistence, got %v", recorder.snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}
	delivered := recorder.snapshot()
	if len(delivered) != 2 || delivered[0] != "first" || delivered[1] != "second" {
		t.Fatalf("unexpected delivered order: %v", delivered)
	}

	status, err := engine.GetBufferStatus(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.ChannelBuffers["1:2"] != 0 || status.TotalDeadLettered != 0 {
		t.Fatalf("unexpected status after flush: %+v", status)
	}
}
