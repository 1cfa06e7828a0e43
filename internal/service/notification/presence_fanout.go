package notification

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/pkg/logger"
)

// Publisher is the fan-out's view of the dispatcher
type Publisher interface {
	Publish(ctx context.Context, recipientID uuid.UUID, kind domain.EventKind, payload map[string]interface{}) error
}

// PresenceFanout relays doctor presence changes to the patients watching
// them. Patients opt in per doctor over their connection; the watch is
// dropped when they opt out or disconnect. OnPresenceChanged plugs into
// the presence tracker as a change listener.
type PresenceFanout struct {
	mu        sync.Mutex
	byDoctor  map[uuid.UUID]map[uuid.UUID]struct{} // doctor -> watching patients
	byPatient map[uuid.UUID]map[uuid.UUID]struct{} // patient -> watched doctors

	publisher Publisher
}

// NewPresenceFanout creates a fan-out publishing through the dispatcher
func NewPresenceFanout(publisher Publisher) *PresenceFanout {
	return &PresenceFanout{
		byDoctor:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
		byPatient: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		publisher: publisher,
	}
}

// Watch subscribes a patient to a doctor's presence changes
func (f *PresenceFanout) Watch(patientID, doctorID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.byDoctor[doctorID] == nil {
		f.byDoctor[doctorID] = make(map[uuid.UUID]struct{})
	}
	f.byDoctor[doctorID][patientID] = struct{}{}

	if f.byPatient[patientID] == nil {
		f.byPatient[patientID] = make(map[uuid.UUID]struct{})
	}
	f.byPatient[patientID][doctorID] = struct{}{}
}

// Unwatch drops one patient-doctor watch
func (f *PresenceFanout) Unwatch(patientID, doctorID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLocked(patientID, doctorID)
}

// UnwatchAll drops every watch held by a patient. Called when the
// patient's connection goes away.
func (f *PresenceFanout) UnwatchAll(patientID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for doctorID := range f.byPatient[patientID] {
		f.dropLocked(patientID, doctorID)
	}
}

func (f *PresenceFanout) dropLocked(patientID, doctorID uuid.UUID) {
	if watchers := f.byDoctor[doctorID]; watchers != nil {
		delete(watchers, patientID)
		if len(watchers) == 0 {
			delete(f.byDoctor, doctorID)
		}
	}
	if watched := f.byPatient[patientID]; watched != nil {
		delete(watched, doctorID)
		if len(watched) == 0 {
			delete(f.byPatient, patientID)
		}
	}
}

// OnPresenceChanged publishes a presence_changed event to every patient
// watching the doctor
func (f *PresenceFanout) OnPresenceChanged(rec domain.PresenceRecord) {
	f.mu.Lock()
	watchers := make([]uuid.UUID, 0, len(f.byDoctor[rec.DoctorID]))
	for patientID := range f.byDoctor[rec.DoctorID] {
		watchers = append(watchers, patientID)
	}
	f.mu.Unlock()

	if len(watchers) == 0 {
		return
	}

	payload := map[string]interface{}{
		"doctor_id": rec.DoctorID.String(),
		"status":    string(rec.Status),
	}
	ctx := context.Background()
	for _, patientID := range watchers {
		if err := f.publisher.Publish(ctx, patientID, domain.EventPresenceChanged, payload); err != nil {
			logger.Warn("failed to publish presence change",
				zap.String("doctor_id", rec.DoctorID.String()),
				zap.String("patient_id", patientID.String()),
				zap.Error(err))
		}
	}
}
