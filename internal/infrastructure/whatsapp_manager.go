package infrastructure

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/interfaces"
)

// InboundHandler receives normalized messages from session providers
// together with the Messenger that can answer them.
type InboundHandler func(m interfaces.Messenger, msg entities.InboundMessage)

// ErrSessionNotFound is returned for sessions this process does not run.
var ErrSessionNotFound = eris.New("session not found")

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// WhatsAppManager runs one WhatsAppClient per native session.
type WhatsAppManager struct {
	clients map[string]*WhatsAppClient
	mu      sync.RWMutex
	baseDir string
	handler InboundHandler
}

// NewWhatsAppManager creates a manager storing device databases in baseDir.
func NewWhatsAppManager(baseDir string, handler InboundHandler) (*WhatsAppManager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "whatsapp: create devices dir")
	}
	return &WhatsAppManager{
		clients: make(map[string]*WhatsAppClient),
		baseDir: baseDir,
		handler: handler,
	}, nil
}

// Get returns the running client for session.
func (m *WhatsAppManager) Get(session string) (*WhatsAppClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[session]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// Start opens and connects session unless it is already running.
func (m *WhatsAppManager) Start(ctx context.Context, session string) (*WhatsAppClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[session]; ok {
		return c, nil
	}
	dbPath := filepath.Join(m.baseDir, unsafeFileChars.ReplaceAllString(session, "_")+".db")
	c, err := NewWhatsAppClient(ctx, dbPath, session, m.handler)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	m.clients[session] = c
	zap.L().Info("whatsapp session started", zap.String("session", session))
	return c, nil
}

// Logout unlinks the session's device; the client stays up for re-pairing.
func (m *WhatsAppManager) Logout(ctx context.Context, session string) error {
	c, err := m.Get(session)
	if err != nil {
		return err
	}
	return c.Logout(ctx)
}

// Sessions lists the status of every running session.
func (m *WhatsAppManager) Sessions() []SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionStatus, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c.Status())
	}
	return out
}

// DisconnectAll disconnects every client (graceful shutdown).
func (m *WhatsAppManager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		c.Disconnect()
	}
	m.clients = make(map[string]*WhatsAppClient)
}
