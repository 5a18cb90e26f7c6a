package audit

import (
	"time"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

// Event одна запись журнала попыток: переход WorkUnit из From в To.
// Строки WorkUnit перезаписываются на месте, история живет только здесь.
type Event struct {
	ID           string            `json:"id"`
	DeploymentID string            `json:"deployment_id"`
	DeviceID     string            `json:"device_id"`
	From         domain.WorkStatus `json:"from"`
	To           domain.WorkStatus `json:"to"`
	Error        string            `json:"error,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}
