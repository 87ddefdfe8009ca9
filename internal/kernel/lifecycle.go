package kernel

import (
	"context"
	"fmt"

	"github.com/ordo-sh/ordo/internal/eventbus"
	"github.com/ordo-sh/ordo/internal/store"
)

// watchEngineLifecycle persists worker lifecycle events to the activity log
// so QUERY_ACTIVITY_LOGS can answer "what happened to the python engine"
// without grepping the log file. The bridge is unsubscribed before the
// supervisor stops, so the clean exits of kernel shutdown are not recorded.
func (k *Kernel) watchEngineLifecycle() {
	k.lifecycleTokens = []eventbus.Token{
		k.bus.Subscribe(eventbus.TopicEngineReady, func(evt eventbus.Event) {
			p := payloadMap(evt)
			k.recordEngineEvent(evt.Topic, engineName(p), store.SeverityInfo,
				fmt.Sprintf("worker ready, version %v", p["version"]))
		}),
		k.bus.Subscribe(eventbus.TopicEngineStopped, func(evt eventbus.Event) {
			p := payloadMap(evt)
			if clean, _ := p["clean"].(bool); clean {
				return
			}
			msg := "worker exited unexpectedly"
			if errText, ok := p["error"].(string); ok && errText != "" {
				msg += ": " + errText
			}
			k.recordEngineEvent(evt.Topic, engineName(p), store.SeverityError, msg)
		}),
		k.bus.Subscribe(eventbus.TopicEngineDeadLetter, func(evt eventbus.Event) {
			p := payloadMap(evt)
			k.recordEngineEvent(evt.Topic, engineName(p), store.SeverityError,
				fmt.Sprintf("worker dead-lettered after %v crashes, manual restart required", p["restarts"]))
		}),
	}
}

func (k *Kernel) unwatchEngineLifecycle() {
	for _, tok := range k.lifecycleTokens {
		k.bus.Unsubscribe(tok)
	}
	k.lifecycleTokens = nil
}

func (k *Kernel) recordEngineEvent(action, engine, severity, message string) {
	k.store.Activity.Record(context.Background(), store.ActivityEntry{
		Action:     action,
		EntityType: "engine",
		EntityID:   engine,
		Severity:   severity,
		Module:     "supervisor",
		Message:    message,
	})
}

func payloadMap(evt eventbus.Event) map[string]any {
	m, _ := evt.Payload.(map[string]any)
	return m
}

func engineName(p map[string]any) string {
	if name, ok := p["engine"].(string); ok && name != "" {
		return name
	}
	return "unknown"
}
