package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/intake/pkg/common/logger"
)

const EventNewPatient = "intake.patient_created"

type Notification struct {
	TenantID     string
	PatientID    string
	SubmissionID string
	Source       string
	Treatment    string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

// KafkaNotifier publishes new-patient events for clinic staff tooling. The
// event carries ids only.
type KafkaNotifier struct {
	producer Publisher
}

func NewKafkaNotifier(producer Publisher) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	return k.producer.PublishEvent(ctx, EventNewPatient, "intake-service", map[string]interface{}{
		"tenant_id":     n.TenantID,
		"patient_id":    n.PatientID,
		"submission_id": n.SubmissionID,
		"source":        n.Source,
		"treatment":     n.Treatment,
	})
}

// Detach sends n in the background with its own deadline. The caller's
// cancellation does not reach it; errors are logged and dropped. The returned
// channel closes when the send finishes.
func Detach(ctx context.Context, notifier Notifier, n Notification, timeout time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if notifier == nil {
		close(done)
		return done
	}
	log := logger.FromContext(ctx).WithFields(logrus.Fields{
		"patient_id":    n.PatientID,
		"submission_id": n.SubmissionID,
	})
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	go func() {
		defer close(done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("Notifier panicked")
			}
		}()
		if err := notifier.Notify(bg, n); err != nil {
			log.WithError(err).Warn("New patient notification failed")
		}
	}()
	return done
}
