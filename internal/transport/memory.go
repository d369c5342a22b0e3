package transport

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Client used by tests and offline runs. It stores
// everything in maps and lets tests inject per-call failures.
type Memory struct {
	mu sync.Mutex

	nextHash int
	nowMs    func() int64

	// Stored messages and config diffs by hash.
	Messages map[string][]byte
	Configs  map[string]ConfigPush
	Expiries map[string]int64
	Files    map[string][]byte
	Deleted  []string

	// Err, when set, fails the next call and clears itself.
	Err error
	// SendErr fails SendMessage calls persistently.
	SendErr error
}

// NewMemory returns an empty in-memory client.
func NewMemory(nowMs func() int64) *Memory {
	if nowMs == nil {
		nowMs = func() int64 { return 0 }
	}
	return &Memory{
		nowMs:    nowMs,
		Messages: make(map[string][]byte),
		Configs:  make(map[string]ConfigPush),
		Expiries: make(map[string]int64),
		Files:    make(map[string][]byte),
	}
}

func (m *Memory) takeErr() error {
	err := m.Err
	m.Err = nil
	return err
}

func (m *Memory) hash() string {
	m.nextHash++
	return fmt.Sprintf("hash-%d", m.nextHash)
}

func (m *Memory) SendMessage(_ context.Context, destination string, payload []byte) (*SentMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	h := m.hash()
	m.Messages[h] = append([]byte(nil), payload...)
	return &SentMessage{ServerHash: h, ServerTimestampMs: m.nowMs()}, nil
}

func (m *Memory) StoreConfigs(_ context.Context, owner string, pushes []ConfigPush, obsolete []string) ([]ConfigPushResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	results := make([]ConfigPushResult, len(pushes))
	for i, p := range pushes {
		h := m.hash()
		m.Configs[h] = p
		results[i] = ConfigPushResult{Hash: h, OK: true}
	}
	for _, h := range obsolete {
		delete(m.Configs, h)
		m.Deleted = append(m.Deleted, h)
	}
	return results, nil
}

func (m *Memory) DeleteMessages(_ context.Context, owner string, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return err
	}
	for _, h := range hashes {
		delete(m.Messages, h)
		delete(m.Configs, h)
		m.Deleted = append(m.Deleted, h)
	}
	return nil
}

func (m *Memory) GetExpiries(_ context.Context, owner string, hashes []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, h := range hashes {
		if exp, ok := m.Expiries[h]; ok {
			out[h] = exp
		}
	}
	return out, nil
}

func (m *Memory) UpdateExpiries(_ context.Context, owner string, hashes []string, expiryMs int64) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, h := range hashes {
		if cur, ok := m.Expiries[h]; !ok || expiryMs < cur {
			m.Expiries[h] = expiryMs
		}
		out[h] = m.Expiries[h]
	}
	return out, nil
}

func (m *Memory) UploadAttachment(_ context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return "", err
	}
	id := m.hash()
	m.Files[id] = append([]byte(nil), data...)
	return id, nil
}

func (m *Memory) DownloadAttachment(_ context.Context, remoteID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	data, ok := m.Files[remoteID]
	if !ok {
		return nil, &StatusError{Code: 404, Msg: "file not found"}
	}
	return append([]byte(nil), data...), nil
}
