// Package session tracks device connections from the identity handshake
// through close.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pithecene-io/tapedeck/log"
	"github.com/pithecene-io/tapedeck/metrics"
	"github.com/pithecene-io/tapedeck/policy"
	"github.com/pithecene-io/tapedeck/types"
)

// MaxDeviceIDBytes bounds the identity message after trimming.
const MaxDeviceIDBytes = 256

// Status messages sent to the peer.
const (
	StatusInvalidIdentity = "Error: Empty or invalid device ID received"
	StatusStagingFailed   = "Error: Failed to write audio chunk"
)

var (
	// ErrEmptyIdentity is returned for an identity message that is empty
	// after trimming whitespace.
	ErrEmptyIdentity = errors.New("empty device id")

	// ErrInvalidIdentity is returned for an identity message that is not
	// valid UTF-8 or exceeds MaxDeviceIDBytes.
	ErrInvalidIdentity = errors.New("invalid device id")

	// ErrSessionClosed is returned by HandleMessage after Close.
	ErrSessionClosed = errors.New("session closed")
)

// MessageType distinguishes text from binary frames.
type MessageType int

const (
	// TextMessage is a UTF-8 text frame.
	TextMessage MessageType = iota + 1
	// BinaryMessage is an audio frame.
	BinaryMessage
)

func (m MessageType) String() string {
	switch m {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return fmt.Sprintf("MessageType(%d)", int(m))
	}
}

// Peer is the connection side of a session. SendStatus writes one text
// status frame back to the device.
type Peer interface {
	SendStatus(ctx context.Context, msg string) error
}

// Session is the server-side state of one device connection.
// All methods are safe for concurrent use; handling and close are serialized.
type Session struct {
	id       string
	openedAt time.Time
	peer     Peer
	policy   policy.Policy
	logger   *log.Logger
	metrics  *metrics.Collector

	mu       sync.Mutex
	stage    types.Stage
	deviceID string
	buffer   *types.FrameBuffer

	// view mirrors stage and deviceID for readers that must not wait for
	// a frame or a flush in progress.
	view atomic.Pointer[sessionView]

	closeOnce sync.Once
	closeArts []*types.Artifact
	closeErr  error
}

// Options carries the collaborators of a session.
type Options struct {
	Policy    policy.Policy
	Logger    *log.Logger
	Collector *metrics.Collector
	Now       func() time.Time
}

// New creates a session awaiting its identity message.
func New(peer Peer, opts Options) *Session {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	id := uuid.NewString()
	s := &Session{
		id:       id,
		openedAt: now(),
		peer:     peer,
		policy:   opts.Policy,
		logger:   opts.Logger.With(map[string]any{"session_id": id}),
		metrics:  opts.Collector,
		buffer:   &types.FrameBuffer{},
	}
	s.setStageLocked(types.StageAwaitingIdentity)
	return s
}

type sessionView struct {
	stage    types.Stage
	deviceID string
}

func (s *Session) setStageLocked(stage types.Stage) {
	s.stage = stage
	s.view.Store(&sessionView{stage: stage, deviceID: s.deviceID})
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// DeviceID returns the device id, empty until identified.
// Never blocks behind message handling or a flush.
func (s *Session) DeviceID() string {
	return s.view.Load().deviceID
}

// Stage returns the lifecycle stage.
// Never blocks behind message handling or a flush.
func (s *Session) Stage() types.Stage {
	return s.view.Load().stage
}

// HandleMessage advances the state machine with one inbound frame.
//
// Identity errors are reported to the peer and returned; the session stays
// in AwaitingIdentity. Policy errors are reported to the peer and returned;
// the session keeps streaming. Only ErrSessionClosed and peer write errors
// mean the connection should be torn down.
func (s *Session) HandleMessage(ctx context.Context, kind MessageType, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.stage {
	case types.StageAwaitingIdentity:
		return s.identifyLocked(ctx, data)
	case types.StageStreaming:
		if kind != BinaryMessage {
			s.metrics.IncTextDropped()
			s.logger.Warn("dropping text message while streaming", map[string]any{
				"device_id": s.deviceID,
				"bytes":     len(data),
			})
			return nil
		}
		return s.frameLocked(ctx, data)
	default:
		return ErrSessionClosed
	}
}

func (s *Session) identifyLocked(ctx context.Context, data []byte) error {
	id, err := parseIdentity(data)
	if err != nil {
		s.metrics.IncIdentityRejected()
		s.logger.Warn("rejected device identity", map[string]any{"error": log.ErrField(err)})
		if sendErr := s.peer.SendStatus(ctx, StatusInvalidIdentity); sendErr != nil {
			return errors.Join(err, sendErr)
		}
		return err
	}

	s.deviceID = id
	s.setStageLocked(types.StageStreaming)
	s.logger = s.logger.With(map[string]any{"device_id": id})
	s.metrics.IncIdentityAccepted()
	s.logger.Info("device identified", nil)

	return s.peer.SendStatus(ctx, fmt.Sprintf("Device ID %s registered", id))
}

func (s *Session) frameLocked(ctx context.Context, data []byte) error {
	arts, err := s.policy.OnFrame(ctx, s.refLocked(), data)
	if errors.Is(err, policy.ErrDirectoryIO) {
		if sendErr := s.peer.SendStatus(ctx, StatusStagingFailed); sendErr != nil {
			return errors.Join(err, sendErr)
		}
		return err
	}
	return s.report(ctx, arts, err)
}

// Close moves the session to Closed and runs the policy close trigger.
// Only the first call does work; later calls return the first result.
func (s *Session) Close(ctx context.Context) ([]*types.Artifact, error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		wasStreaming := s.stage == types.StageStreaming
		s.setStageLocked(types.StageClosed)
		s.metrics.IncSessionClosed()

		if !wasStreaming {
			s.logger.Info("session closed before identification", nil)
			return
		}

		s.closeArts, s.closeErr = s.policy.OnClose(ctx, s.refLocked())
		for _, a := range s.closeArts {
			s.logger.Info("session flushed", map[string]any{
				"artifact": a.Name,
				"state":    string(a.UploadState),
			})
		}
		if s.closeErr != nil {
			s.logger.Error("session flush failed", map[string]any{"error": log.ErrField(s.closeErr)})
		}
		// Best effort: the peer is usually gone by now.
		_ = s.report(ctx, s.closeArts, nil)
	})
	return s.closeArts, s.closeErr
}

// report sends one status frame per artifact and passes err through.
func (s *Session) report(ctx context.Context, arts []*types.Artifact, err error) error {
	var sendErrs []error
	for _, a := range arts {
		if sendErr := s.peer.SendStatus(ctx, StatusFor(a)); sendErr != nil {
			sendErrs = append(sendErrs, sendErr)
		}
	}
	if err != nil {
		s.logger.Warn("policy error", map[string]any{"error": log.ErrField(err)})
	}
	if len(sendErrs) > 0 {
		return errors.Join(append([]error{err}, sendErrs...)...)
	}
	return err
}

// StatusFor renders the status frame reporting an artifact's handoff.
func StatusFor(a *types.Artifact) string {
	if a.UploadState == types.UploadUploaded {
		return fmt.Sprintf("%s successfully uploaded", a.Name)
	}
	return fmt.Sprintf("Error: Failed to upload %s", a.Name)
}

func (s *Session) refLocked() *types.SessionRef {
	return &types.SessionRef{
		SessionID: s.id,
		DeviceID:  s.deviceID,
		OpenedAt:  s.openedAt,
		Buffer:    s.buffer,
	}
}

// parseIdentity validates an identity message and returns the device id.
func parseIdentity(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", ErrInvalidIdentity
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrEmptyIdentity
	}
	if len(id) > MaxDeviceIDBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidIdentity, len(id), MaxDeviceIDBytes)
	}
	return id, nil
}
