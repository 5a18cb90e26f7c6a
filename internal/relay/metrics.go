package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Живые сессии по ролям
	SessionsActive *prometheus.GaugeVec

	// Сколько раз новое соединение вытеснило старое
	SessionsSuperseded *prometheus.CounterVec

	// Трафик кадров: role x direction (in/out)
	Frames *prometheus.CounterVec

	// Вывод агента, которому некуда было доставиться
	OutputsDropped prometheus.Counter

	// Команды, отклоненные из-за отсутствия агентской сессии
	CommandsUnreachable prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object: без регистратора пишем в локальный, никуда не подключенный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		SessionsActive: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Live relay sessions by role.",
		}, []string{"role"}),

		SessionsSuperseded: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_superseded_total",
			Help: "Sessions replaced by a newer connection for the same agent.",
		}, []string{"role"}),

		Frames: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Frames relayed by role and direction.",
		}, []string{"role", "direction"}),

		OutputsDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "relay_outputs_dropped_total",
			Help: "Agent outputs dropped because no operator session was live.",
		}),

		CommandsUnreachable: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "relay_commands_unreachable_total",
			Help: "Commands rejected because the agent had no live session.",
		}),
	}
}
