// Package service exposes the daemon's message-bus object
// (org.freedesktop.Visage1) and orchestrates the store, engine, and rate
// limiter for each call (spec.md §4.5).
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os/user"
	"strconv"
	"time"

	"github.com/Aigusta-Labs/visage/internal/config"
	"github.com/Aigusta-Labs/visage/internal/engine"
	"github.com/Aigusta-Labs/visage/internal/liveness"
	"github.com/Aigusta-Labs/visage/internal/models"
	"github.com/Aigusta-Labs/visage/internal/ratelimit"
	"github.com/Aigusta-Labs/visage/internal/store"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// ObjectPath is the fixed object path the service is exported on.
const ObjectPath = "/org/freedesktop/Visage1"

// InterfaceName is the bus interface name, identical to the well-known name.
const InterfaceName = "org.freedesktop.Visage1"

// Store is the subset of internal/store.Store the service calls.
type Store interface {
	Insert(user, label string, embedding []float32, quality float32, modelVersion string) (string, error)
	Gallery(user string) ([]store.FaceModel, error)
	List(user string) ([]store.ModelInfo, error)
	Remove(user, id string) (bool, error)
	CountAll() (uint64, error)
}

// Engine is the subset of internal/engine.Engine the service calls.
type Engine interface {
	Enroll(ctx context.Context, framesCount int) (engine.EnrollResult, error)
	Verify(ctx context.Context, gallery []store.FaceModel, threshold float64, framesCount int, livenessEnabled bool, livenessDetector *liveness.Detector) (engine.VerifyResult, error)
}

// RateLimiter is the subset of internal/ratelimit.Limiter the service calls.
type RateLimiter interface {
	Check(user string) error
	RecordFailure(user string)
	RecordSuccess(user string)
}

// Service implements the Visage1 bus interface. Its fields are read once per
// call and never held across the engine invocation or the bus reply
// (spec.md §4.5, §5: "must not hold any mutex across the engine call").
type Service struct {
	cfg     *config.Config
	store   Store
	engine  Engine
	limiter RateLimiter
	liven   *liveness.Detector
	conn    *dbus.Conn
	logger  *logrus.Logger
}

// New constructs a Service. Call Register to publish it on the bus.
func New(cfg *config.Config, st Store, eng Engine, limiter RateLimiter, liven *liveness.Detector, logger *logrus.Logger) *Service {
	return &Service{cfg: cfg, store: st, engine: eng, limiter: limiter, liven: liven, logger: logger}
}

// Register connects to the configured bus (system by default, session when
// VISAGE_SESSION_BUS is set), exports the Service, and claims the
// well-known name. The returned conn must be closed on shutdown.
func (s *Service) Register() (*dbus.Conn, error) {
	var conn *dbus.Conn
	var err error
	if s.cfg.SessionBus {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}

	if err := conn.Export(s, ObjectPath, InterfaceName); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("export service: %w", err)
	}

	reply, err := conn.RequestName(s.cfg.BusName(), dbus.NameFlagDoNotQueue)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		_ = conn.Close()
		return nil, fmt.Errorf("bus name %s already owned", s.cfg.BusName())
	}

	s.conn = conn
	return conn, nil
}

// Enroll captures a new face model for user under label. No caller-identity
// check is specified for this method; operator tooling is expected to be
// privileged (spec.md §4.5).
func (s *Service) Enroll(user, label string) (string, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.VerifyTimeoutSecs)*time.Second)
	defer cancel()

	res, err := s.engine.Enroll(ctx, s.cfg.FramesPerEnroll)
	if err != nil {
		s.logger.Warnf("enroll failed for %s: %v", user, err)
		return "", dbus.NewError(busErrorName(err), []interface{}{err.Error()})
	}

	id, err := s.store.Insert(user, label, res.Embedding, res.QualityScore, "w600k_r50")
	if err != nil {
		s.logger.Errorf("enroll store insert failed for %s: %v", user, err)
		return "", dbus.NewError(busErrorName(err), []interface{}{err.Error()})
	}

	return id, nil
}

// Verify is the security-critical method; it implements the exact ordered
// orchestration of spec.md §4.5.
func (s *Service) Verify(targetUser string, sender dbus.Sender) (bool, *dbus.Error) {
	if !s.cfg.SessionBus {
		if err := s.checkCallerIdentity(sender, targetUser); err != nil {
			return false, dbus.NewError(busErrorName(err), []interface{}{err.Error()})
		}
	}

	if err := s.limiter.Check(targetUser); err != nil {
		return false, dbus.NewError(busErrorName(ErrRateLimited), []interface{}{err.Error()})
	}

	gallery, err := s.store.Gallery(targetUser)
	if err != nil {
		s.logger.Errorf("gallery load failed for %s: %v", targetUser, err)
		return false, dbus.NewError(busErrorName(err), []interface{}{err.Error()})
	}
	if len(gallery) == 0 {
		return false, dbus.NewError(busErrorName(ErrGalleryEmpty), []interface{}{ErrGalleryEmpty.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.VerifyTimeoutSecs)*time.Second)
	defer cancel()

	result, err := s.engine.Verify(ctx, gallery, s.cfg.SimilarityThreshold, s.cfg.FramesPerVerify, s.cfg.LivenessEnabled, s.liven)
	if err != nil {
		// Engine errors propagate without touching the rate limiter.
		s.logger.Warnf("verify engine error for %s: %v", targetUser, err)
		return false, dbus.NewError(busErrorName(err), []interface{}{err.Error()})
	}

	if result.Matched {
		s.limiter.RecordSuccess(targetUser)
	} else {
		s.limiter.RecordFailure(targetUser)
	}

	return result.Matched, nil
}

// checkCallerIdentity resolves the bus peer's UID and the target username's
// UID and enforces caller_uid == 0 || caller_uid == target_uid.
func (s *Service) checkCallerIdentity(sender dbus.Sender, targetUser string) error {
	var callerUID uint32
	obj := s.conn.BusObject()
	if err := obj.Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).Store(&callerUID); err != nil {
		return fmt.Errorf("%w: resolve caller uid: %v", ErrAccessDenied, err)
	}

	u, err := user.Lookup(targetUser)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownUser, err)
	}
	targetUID, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: parse target uid: %v", ErrUnknownUser, err)
	}

	if callerUID != 0 && uint64(callerUID) != targetUID {
		return fmt.Errorf("%w: caller uid %d may not verify uid %d", ErrAccessDenied, callerUID, targetUID)
	}
	return nil
}

// Status reports daemon configuration, counts, and model registry health as
// a JSON string.
func (s *Service) Status() (string, *dbus.Error) {
	count, err := s.store.CountAll()
	if err != nil {
		return "", dbus.NewError(busErrorName(err), []interface{}{err.Error()})
	}

	status := s.cfg.StatusJSON(int(count))
	status["models"] = modelRegistryStatus(s.cfg.ModelDir)

	buf, err := json.Marshal(status)
	if err != nil {
		return "", dbus.NewError(busErrorName(err), []interface{}{err.Error()})
	}
	return string(buf), nil
}

// modelRegistryStatus reports per-entry disposition (present/matches/error)
// for the required ONNX model files, surfaced by visage-cli status as a
// hash-mismatch-vs-missing-file diagnostic.
func modelRegistryStatus(modelDir string) []map[string]interface{} {
	results := models.Verify(modelDir)
	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		entry := map[string]interface{}{
			"name":    r.Name,
			"present": r.Present,
			"matches": r.Matches,
		}
		if r.Err != nil {
			entry["error"] = r.Err.Error()
		}
		out = append(out, entry)
	}
	return out
}

// ListModels returns the user's model metadata as a JSON array.
func (s *Service) ListModels(user string) (string, *dbus.Error) {
	list, err := s.store.List(user)
	if err != nil {
		return "", dbus.NewError(busErrorName(err), []interface{}{err.Error()})
	}
	buf, err := json.Marshal(list)
	if err != nil {
		return "", dbus.NewError(busErrorName(err), []interface{}{err.Error()})
	}
	return string(buf), nil
}

// RemoveModel deletes a model iff it belongs to user.
func (s *Service) RemoveModel(user, id string) (bool, *dbus.Error) {
	removed, err := s.store.Remove(user, id)
	if err != nil {
		return false, dbus.NewError(busErrorName(err), []interface{}{err.Error()})
	}
	return removed, nil
}
