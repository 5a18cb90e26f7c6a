package domain

// Aggregate сводка по набору WorkUnit одного развертывания
type Aggregate struct {
	Status    DeploymentStatus
	Total     int
	Succeeded int
	Failed    int
	Percent   int  // Succeeded*100/Total, целое
	Completed bool // Все юниты в терминальном состоянии
}

// AggregateUnits чистая функция: статус развертывания выводится только из статусов юнитов.
// success, если все success; failed, если все failed; partially_failed, если смешано и все терминальные;
// in_progress, пока хоть один pending или in_progress.
func AggregateUnits(units []WorkUnit) Aggregate {
	agg := Aggregate{Total: len(units)}
	if agg.Total == 0 {
		agg.Status = DeploymentPending
		return agg
	}

	active := 0
	for _, u := range units {
		switch u.Status {
		case WorkSuccess:
			agg.Succeeded++
		case WorkFailed:
			agg.Failed++
		default:
			active++
		}
	}

	agg.Percent = agg.Succeeded * 100 / agg.Total
	agg.Completed = active == 0

	switch {
	case active > 0:
		agg.Status = DeploymentInProgress
	case agg.Succeeded == agg.Total:
		agg.Status = DeploymentSuccess
	case agg.Failed == agg.Total:
		agg.Status = DeploymentFailed
	default:
		agg.Status = DeploymentPartiallyFailed
	}
	return agg
}
