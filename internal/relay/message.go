package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

// Типы кадров релея
const (
	TypeRegisterAgent  = "register_agent"
	TypeRunCommand     = "run_command"
	TypeOutput         = "output"
	TypeDeploy         = "deploy"
	TypeDeployProgress = "deploy_progress"
	TypeDeployResult   = "deploy_result"
	TypeError          = "error"
)

// Message JSON-кадр. Кадры оператора пересылаются агенту как есть,
// структура нужна только чтобы прочитать type и служебные поля.
type Message struct {
	Type         string          `json:"type"`
	AgentID      string          `json:"agent_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	DeploymentID string          `json:"deployment_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	Percent      int             `json:"percent,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ParseFrame разбирает кадр; кадр обязан быть JSON-объектом с полем type
func ParseFrame(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, fmt.Errorf("relay: malformed frame: %w", err)
	}
	if m.Type == "" {
		return Message{}, errors.New("relay: frame type is required")
	}
	return m, nil
}

// Text возвращает payload как строку (payload обычно строка JSON)
func (m Message) Text() string {
	if len(m.Payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Payload, &s); err == nil {
		return s
	}
	return string(m.Payload)
}

// TextFrame собирает кадр вида {type, payload: "<text>"}
func TextFrame(msgType, text string) []byte {
	payload, _ := json.Marshal(text)
	frame, _ := json.Marshal(Message{Type: msgType, Payload: payload})
	return frame
}

// DeployFrame задание на раскатку для агента
func DeployFrame(d *domain.Deployment) ([]byte, error) {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("relay: encode deploy payload: %w", err)
	}
	return json.Marshal(Message{Type: TypeDeploy, DeploymentID: d.ID, Payload: payload})
}

// ResultError переводит deploy_result в ошибку исполнения (nil при успехе)
func (m Message) ResultError() error {
	if m.Status == string(domain.WorkSuccess) {
		return nil
	}
	msg := m.Error
	if msg == "" {
		msg = "remote execution failed"
	}
	return &domain.RemoteExecutionError{Message: msg}
}
