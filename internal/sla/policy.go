package sla

import (
	"math"
	"strings"
	"time"

	"fibertrack/internal/config"
	"fibertrack/internal/model"
)

// Policy turns configured hours and p-tier durations into deadlines.
type Policy struct {
	task     config.TaskSLAConfig
	incident config.IncidentSLAConfig
}

func NewPolicy(cfg config.SLAConfig) Policy {
	return Policy{task: cfg.Task, incident: cfg.Incident}
}

// TaskDeadlines scales the type's base hours by the priority multiplier,
// rounded to whole hours with a floor of one.
func (p Policy) TaskDeadlines(taskType, priority string, createdAt time.Time) (ackBy, completeBy time.Time) {
	kind := strings.ToLower(strings.TrimSpace(taskType))
	ackHours, ok := p.task.AckHours[kind]
	if !ok {
		ackHours = p.task.AckHours["other"]
	}
	completeHours, ok := p.task.CompleteHours[kind]
	if !ok {
		completeHours = p.task.CompleteHours["other"]
	}
	mult, ok := p.task.PriorityMultipliers[strings.ToLower(strings.TrimSpace(priority))]
	if !ok || mult <= 0 {
		mult = 1
	}
	ackBy = createdAt.Add(scaledHours(ackHours, mult))
	completeBy = createdAt.Add(scaledHours(completeHours, mult))
	return ackBy, completeBy
}

func scaledHours(base, mult float64) time.Duration {
	h := math.Round(base * mult)
	if h < 1 {
		h = 1
	}
	return time.Duration(h) * time.Hour
}

func (p Policy) IncidentDeadlines(priority model.Priority, openedAt time.Time) (ackBy, completeBy time.Time) {
	tier := string(priority)
	if _, ok := p.incident.Ack[tier]; !ok {
		tier = string(model.P4)
	}
	return openedAt.Add(p.incident.Ack[tier]), openedAt.Add(p.incident.Restore[tier])
}
