package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"commlink-backend/internal/domain"
	apperrors "commlink-backend/pkg/errors"
	"commlink-backend/pkg/metrics"
)

// MockCallStore is a mock of the CallStore interface
type MockCallStore struct {
	mock.Mock
}

func (m *MockCallStore) Create(ctx context.Context, rec *domain.CallRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockCallStore) MarkAnswered(ctx context.Context, callID uuid.UUID, answeredAt time.Time) error {
	args := m.Called(ctx, callID, answeredAt)
	return args.Error(0)
}

func (m *MockCallStore) Finalize(ctx context.Context, rec *domain.CallRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockCallStore) AddParticipant(ctx context.Context, callID, userID uuid.UUID, joinedAt time.Time) error {
	args := m.Called(ctx, callID, userID, joinedAt)
	return args.Error(0)
}

func (m *MockCallStore) MarkParticipantLeft(ctx context.Context, callID, userID uuid.UUID, leftAt time.Time) error {
	args := m.Called(ctx, callID, userID, leftAt)
	return args.Error(0)
}

func (m *MockCallStore) SetParticipantQuality(ctx context.Context, callID, userID uuid.UUID, quality string) error {
	args := m.Called(ctx, callID, userID, quality)
	return args.Error(0)
}

func (m *MockCallStore) MergeMetadata(ctx context.Context, callID uuid.UUID, patch []byte) error {
	args := m.Called(ctx, callID, patch)
	return args.Error(0)
}

func (m *MockCallStore) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRecord), args.Error(1)
}

func (m *MockCallStore) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipantRecord, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallParticipantRecord), args.Error(1)
}

func (m *MockCallStore) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallRecord), args.Error(1)
}

// newPermissiveStore accepts any write so lifecycle tests can focus on
// events and registry state
func newPermissiveStore() *MockCallStore {
	store := new(MockCallStore)
	store.On("Create", mock.Anything, mock.Anything).Return(nil).Maybe()
	store.On("MarkAnswered", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	store.On("Finalize", mock.Anything, mock.Anything).Return(nil).Maybe()
	store.On("AddParticipant", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	store.On("MarkParticipantLeft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	store.On("SetParticipantQuality", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	store.On("MergeMetadata", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return store
}

// fakeNotifier records delivered events per user
type fakeNotifier struct {
	mu      sync.Mutex
	offline map[uuid.UUID]bool
	events  map[uuid.UUID][]*Event
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		offline: make(map[uuid.UUID]bool),
		events:  make(map[uuid.UUID][]*Event),
	}
}

func (n *fakeNotifier) Send(userID uuid.UUID, event *Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline[userID] {
		return false
	}
	n.events[userID] = append(n.events[userID], event)
	return true
}

func (n *fakeNotifier) Online(userID uuid.UUID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.offline[userID]
}

func (n *fakeNotifier) setOffline(userID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline[userID] = true
}

func (n *fakeNotifier) eventsOf(userID uuid.UUID, eventType string) []*Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Event
	for _, e := range n.events[userID] {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (n *fakeNotifier) lastOf(userID uuid.UUID, eventType string) *Event {
	events := n.eventsOf(userID, eventType)
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

// indexOf returns the position of the first event of the given type in the
// user's delivery order, or -1
func (n *fakeNotifier) indexOf(userID uuid.UUID, eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, e := range n.events[userID] {
		if e.Type == eventType {
			return i
		}
	}
	return -1
}

func newTestService(notifier *fakeNotifier, store *MockCallStore) *Service {
	return NewService(notifier, store, nil, metrics.NewMetrics("call-service-test"))
}

// startAnsweredCall drives a call from nothing to answered between two users
func startAnsweredCall(t *testing.T, svc *Service, alice, bob uuid.UUID) uuid.UUID {
	t.Helper()
	callID, err := svc.Initiate(context.Background(), alice, bob, uuid.New(), domain.CallTypeVideo)
	assert.NoError(t, err)
	assert.NoError(t, svc.Accept(context.Background(), bob, callID))
	return callID
}

func TestInitiate_RingsTarget(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	callID, err := svc.Initiate(context.Background(), alice, bob, uuid.New(), domain.CallTypeVideo)
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, callID)
	assert.Equal(t, 1, svc.ActiveCalls())

	echo := notifier.lastOf(alice, EventCallInitiated)
	assert.NotNil(t, echo)
	assert.Equal(t, callID, echo.CallID)
	assert.Equal(t, "initiated", echo.Status)

	ring := notifier.lastOf(bob, EventIncomingCall)
	assert.NotNil(t, ring)
	assert.Equal(t, callID, ring.CallID)
	assert.Equal(t, alice, ring.From)
	assert.Equal(t, "video", ring.CallType)
}

func TestInitiate_SelfCall(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice := uuid.New()

	_, err := svc.Initiate(context.Background(), alice, alice, uuid.New(), domain.CallTypeAudio)
	assert.Error(t, err)
	assert.Equal(t, 0, svc.ActiveCalls())
}

func TestInitiate_TargetBusy(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	startAnsweredCall(t, svc, alice, bob)

	_, err := svc.Initiate(context.Background(), carol, bob, uuid.New(), domain.CallTypeAudio)
	assert.Error(t, err)
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeUserBusy, appErr.Code)
	assert.Equal(t, 1, svc.ActiveCalls())
}

func TestInitiate_TargetOffline(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()
	notifier.setOffline(bob)

	_, err := svc.Initiate(context.Background(), alice, bob, uuid.New(), domain.CallTypeVideo)
	assert.Error(t, err)
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeUserOffline, appErr.Code)

	// The call must not linger: slots freed, terminal event delivered
	assert.Equal(t, 0, svc.ActiveCalls())
	ended := notifier.lastOf(alice, EventCallEnded)
	assert.NotNil(t, ended)
	assert.Equal(t, string(domain.ReasonFailed), ended.Reason)
}

func TestAccept_BroadcastsToRoster(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	for _, user := range []uuid.UUID{alice, bob} {
		accepted := notifier.lastOf(user, EventCallAccepted)
		assert.NotNil(t, accepted)
		assert.Equal(t, callID, accepted.CallID)
		assert.Equal(t, bob, accepted.From)
		assert.Len(t, accepted.Participants, 2)
	}
}

func TestAccept_UnknownCall(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())

	err := svc.Accept(context.Background(), uuid.New(), uuid.New())
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeInvalidCall, appErr.Code)
}

func TestAccept_ByStranger(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob, mallory := uuid.New(), uuid.New(), uuid.New()

	callID, err := svc.Initiate(context.Background(), alice, bob, uuid.New(), domain.CallTypeVideo)
	assert.NoError(t, err)

	err = svc.Accept(context.Background(), mallory, callID)
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeAcceptFailed, appErr.Code)
}

func TestDecline_EndsRingingCall(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	callID, err := svc.Initiate(context.Background(), alice, bob, uuid.New(), domain.CallTypeAudio)
	assert.NoError(t, err)

	assert.NoError(t, svc.Decline(context.Background(), bob, callID))
	assert.Equal(t, 0, svc.ActiveCalls())

	ended := notifier.lastOf(alice, EventCallEnded)
	assert.NotNil(t, ended)
	assert.Equal(t, string(domain.ReasonDeclined), ended.Reason)

	// Both slots are free again
	_, err = svc.Initiate(context.Background(), bob, alice, uuid.New(), domain.CallTypeAudio)
	assert.NoError(t, err)
}

func TestEnd_SecondEndIsRejected(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	assert.NoError(t, svc.End(context.Background(), alice, callID))
	assert.Equal(t, 0, svc.ActiveCalls())

	err := svc.End(context.Background(), bob, callID)
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeInvalidCall, appErr.Code)

	// Exactly one terminal event per participant, attributed to who hung up
	assert.Len(t, notifier.eventsOf(alice, EventCallEnded), 1)
	assert.Len(t, notifier.eventsOf(bob, EventCallEnded), 1)
	ended := notifier.lastOf(bob, EventCallEnded)
	assert.Equal(t, string(domain.ReasonEnded), ended.Reason)
	assert.Equal(t, alice, ended.EndedBy)
}

func TestEnd_ByNonParticipant(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob, mallory := uuid.New(), uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	err := svc.End(context.Background(), mallory, callID)
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeEndFailed, appErr.Code)
	assert.Equal(t, 1, svc.ActiveCalls())
}

func TestRingTimeout_MarksCallMissed(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	svc.ringTimeout = 20 * time.Millisecond
	alice, bob := uuid.New(), uuid.New()

	_, err := svc.Initiate(context.Background(), alice, bob, uuid.New(), domain.CallTypeVideo)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return svc.ActiveCalls() == 0
	}, time.Second, 5*time.Millisecond)

	for _, user := range []uuid.UUID{alice, bob} {
		ended := notifier.lastOf(user, EventCallEnded)
		assert.NotNil(t, ended)
		assert.Equal(t, string(domain.ReasonMissed), ended.Reason)
	}
}

func TestRingTimeout_DoesNotFireAfterAccept(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	svc.ringTimeout = 20 * time.Millisecond
	alice, bob := uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, svc.ActiveCalls())
	assert.Nil(t, notifier.lastOf(alice, EventCallEnded))
	_ = callID
}

func TestRingTimeout_FiredTimerLosesRaceWithAccept(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	// A timer that already fired when the accept landed finds the call
	// answered under the registry lock and must not end it
	svc.onRingTimeout(callID)

	assert.Equal(t, 1, svc.ActiveCalls())
	assert.Nil(t, notifier.lastOf(alice, EventCallEnded))
	assert.Nil(t, notifier.lastOf(bob, EventCallEnded))
}

func TestRelay_ForwardsOpaquePayload(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	payload := json.RawMessage(`{"sdp":"v=0...","type":"offer","extra":{"nested":true}}`)
	assert.NoError(t, svc.Relay(context.Background(), alice, callID, uuid.Nil, EventWebRTCOffer, payload))

	offer := notifier.lastOf(bob, EventWebRTCOffer)
	assert.NotNil(t, offer)
	assert.Equal(t, alice, offer.From)
	assert.JSONEq(t, string(payload), string(offer.Payload))

	// The sender does not receive its own signal back
	assert.Nil(t, notifier.lastOf(alice, EventWebRTCOffer))
}

func TestRelay_FromNonParticipantIsDropped(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob, mallory := uuid.New(), uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	payload := json.RawMessage(`{"candidate":"..."}`)
	assert.NoError(t, svc.Relay(context.Background(), mallory, callID, uuid.Nil, EventWebRTCICECandidate, payload))

	assert.Nil(t, notifier.lastOf(alice, EventWebRTCICECandidate))
	assert.Nil(t, notifier.lastOf(bob, EventWebRTCICECandidate))
}

func TestRelay_TargetedDeliveryReachesOnlyTarget(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)
	assert.NoError(t, svc.Invite(context.Background(), alice, callID, carol))
	assert.NoError(t, svc.Accept(context.Background(), carol, callID))

	payload := json.RawMessage(`{"sdp":"v=0...","type":"offer"}`)
	assert.NoError(t, svc.Relay(context.Background(), alice, callID, carol, EventWebRTCOffer, payload))

	assert.NotNil(t, notifier.lastOf(carol, EventWebRTCOffer))
	assert.Nil(t, notifier.lastOf(bob, EventWebRTCOffer))

	// A target outside the call roster drops the relay entirely
	outsider := uuid.New()
	assert.NoError(t, svc.Relay(context.Background(), alice, callID, outsider, EventWebRTCAnswer, payload))
	assert.Nil(t, notifier.lastOf(outsider, EventWebRTCAnswer))
	assert.Nil(t, notifier.lastOf(carol, EventWebRTCAnswer))
}

func TestToggleMedia_EchoesToSender(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	assert.NoError(t, svc.ToggleMedia(context.Background(), alice, callID, EventParticipantAudioToggle, true))

	for _, user := range []uuid.UUID{alice, bob} {
		toggle := notifier.lastOf(user, EventParticipantAudioToggle)
		assert.NotNil(t, toggle)
		assert.Equal(t, alice, toggle.From)
		assert.NotNil(t, toggle.Muted)
		assert.True(t, *toggle.Muted)
		assert.Nil(t, toggle.Disabled)
	}

	assert.NoError(t, svc.ToggleMedia(context.Background(), bob, callID, EventParticipantVideoToggle, true))
	video := notifier.lastOf(alice, EventParticipantVideoToggle)
	assert.NotNil(t, video)
	assert.NotNil(t, video.Disabled)
	assert.True(t, *video.Disabled)
	assert.Nil(t, video.Muted)
}

func TestScreenShare_Broadcasts(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	assert.NoError(t, svc.ScreenShare(context.Background(), bob, callID, true))
	started := notifier.lastOf(alice, EventScreenShareStarted)
	assert.NotNil(t, started)
	assert.Equal(t, bob, started.From)

	assert.NoError(t, svc.ScreenShare(context.Background(), bob, callID, false))
	assert.NotNil(t, notifier.lastOf(alice, EventScreenShareStopped))
}

func TestInvite_JoinsOngoingCall(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	assert.NoError(t, svc.Invite(context.Background(), alice, callID, carol))
	invite := notifier.lastOf(carol, EventCallInvitation)
	assert.NotNil(t, invite)
	assert.Equal(t, callID, invite.CallID)
	assert.Equal(t, alice, invite.From)
	assert.Equal(t, 2, invite.ParticipantCount)

	assert.NoError(t, svc.Accept(context.Background(), carol, callID))
	accepted := notifier.lastOf(alice, EventCallAccepted)
	assert.NotNil(t, accepted)
	assert.Equal(t, carol, accepted.From)
	assert.Len(t, accepted.Participants, 3)
}

func TestInvite_BusyTargetSkippedSilently(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob, carol, dave := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)
	startAnsweredCall(t, svc, carol, dave)

	// Carol is on another call: the invite is skipped, not an error
	assert.NoError(t, svc.Invite(context.Background(), alice, callID, carol))
	assert.Nil(t, notifier.lastOf(carol, EventCallInvitation))
	assert.Equal(t, 2, svc.ActiveCalls())
}

func TestInvite_OfflineTargetSkippedSilently(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	notifier.setOffline(carol)

	callID := startAnsweredCall(t, svc, alice, bob)

	assert.NoError(t, svc.Invite(context.Background(), alice, callID, carol))
	assert.Equal(t, 1, svc.ActiveCalls())

	// Carol's slot must not stay claimed by the failed invite
	_, err := svc.Initiate(context.Background(), uuid.New(), carol, uuid.New(), domain.CallTypeAudio)
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeUserOffline, appErr.Code)
}

func TestInvite_ByNonParticipant(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob, mallory := uuid.New(), uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	err := svc.Invite(context.Background(), mallory, callID, uuid.New())
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeInviteFailed, appErr.Code)
}

func TestDeclineInvite_LeavesCallRunning(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)
	assert.NoError(t, svc.Invite(context.Background(), alice, callID, carol))

	assert.NoError(t, svc.Decline(context.Background(), carol, callID))
	assert.Equal(t, 1, svc.ActiveCalls())

	// Carol is free to take other calls again
	_, err := svc.Initiate(context.Background(), carol, uuid.New(), uuid.New(), domain.CallTypeAudio)
	assert.NoError(t, err)
}

func TestDisconnected_LastPeerEndsCall(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	startAnsweredCall(t, svc, alice, bob)

	svc.Disconnected(bob)
	assert.Equal(t, 0, svc.ActiveCalls())

	// The survivor hears who left, then that the call is over
	gone := notifier.lastOf(alice, EventParticipantDisconnect)
	assert.NotNil(t, gone)
	assert.Equal(t, bob, gone.From)

	ended := notifier.lastOf(alice, EventCallEnded)
	assert.NotNil(t, ended)
	assert.Equal(t, string(domain.ReasonEnded), ended.Reason)
	assert.Equal(t, bob, ended.EndedBy)

	goneAt := notifier.indexOf(alice, EventParticipantDisconnect)
	endedAt := notifier.indexOf(alice, EventCallEnded)
	assert.Less(t, goneAt, endedAt)
}

func TestDisconnected_DuringRingEndsCall(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	_, err := svc.Initiate(context.Background(), alice, bob, uuid.New(), domain.CallTypeVideo)
	assert.NoError(t, err)

	svc.Disconnected(alice)
	assert.Equal(t, 0, svc.ActiveCalls())

	ended := notifier.lastOf(bob, EventCallEnded)
	assert.NotNil(t, ended)
	assert.Equal(t, string(domain.ReasonEnded), ended.Reason)
}

func TestDisconnected_GroupCallContinues(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)
	assert.NoError(t, svc.Invite(context.Background(), alice, callID, carol))
	assert.NoError(t, svc.Accept(context.Background(), carol, callID))

	svc.Disconnected(bob)
	assert.Equal(t, 1, svc.ActiveCalls())

	gone := notifier.lastOf(alice, EventParticipantDisconnect)
	assert.NotNil(t, gone)
	assert.Equal(t, bob, gone.From)
	assert.NotNil(t, notifier.lastOf(carol, EventParticipantDisconnect))

	// Bob can be called again while the others stay on
	_, err := svc.Initiate(context.Background(), uuid.New(), bob, uuid.New(), domain.CallTypeAudio)
	assert.NoError(t, err)
}

func TestDisconnected_UserNotOnCall(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())

	// Must not panic or touch anything
	svc.Disconnected(uuid.New())
	assert.Equal(t, 0, svc.ActiveCalls())
}

func TestReportQuality_Validation(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	stats := json.RawMessage(`{"rtt_ms":42,"packets_lost":3}`)
	assert.NoError(t, svc.ReportQuality(context.Background(), alice, callID, "good", stats))
	assert.Error(t, svc.ReportQuality(context.Background(), alice, callID, "amazing", nil))
}

func TestReportQuality_AfterCallEnded(t *testing.T) {
	notifier := newFakeNotifier()
	store := newPermissiveStore()
	svc := newTestService(notifier, store)
	alice, bob := uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)
	assert.NoError(t, svc.End(context.Background(), alice, callID))

	// The live table no longer knows the call, the report still lands
	assert.NoError(t, svc.ReportQuality(context.Background(), bob, callID, "poor", nil))
}

func TestStatus_FallsBackToStore(t *testing.T) {
	notifier := newFakeNotifier()
	store := newPermissiveStore()
	svc := newTestService(notifier, store)
	alice := uuid.New()
	callID := uuid.New()

	rec := &domain.CallRecord{CallID: callID, Status: "ended", EndReason: "ended"}
	store.On("GetByID", mock.Anything, callID).Return(rec, nil)

	got, err := svc.Status(context.Background(), alice, callID)
	assert.NoError(t, err)
	assert.Equal(t, callID, got.CallID)
	assert.Equal(t, "ended", got.Status)
}

func TestStatus_LiveCall(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	got, err := svc.Status(context.Background(), alice, callID)
	assert.NoError(t, err)
	assert.Equal(t, "answered", got.Status)
	assert.NotNil(t, got.AnsweredAt)
}

func TestParticipants_ReadsRoster(t *testing.T) {
	notifier := newFakeNotifier()
	store := newPermissiveStore()
	svc := newTestService(notifier, store)
	callID := uuid.New()

	roster := []*domain.CallParticipantRecord{
		{CallID: callID, UserID: uuid.New()},
		{CallID: callID, UserID: uuid.New()},
	}
	store.On("GetParticipants", mock.Anything, callID).Return(roster, nil)

	got, err := svc.Participants(context.Background(), callID)
	assert.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestHistory(t *testing.T) {
	notifier := newFakeNotifier()
	store := newPermissiveStore()
	svc := newTestService(notifier, store)
	alice := uuid.New()

	records := []*domain.CallRecord{
		{CallID: uuid.New(), Status: "ended"},
		{CallID: uuid.New(), Status: "ended"},
	}
	store.On("GetUserCalls", mock.Anything, alice, 20, 0).Return(records, nil)

	got, err := svc.History(context.Background(), alice, 0, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestConcurrentEnd_SingleTerminalBroadcast(t *testing.T) {
	notifier := newFakeNotifier()
	svc := newTestService(notifier, newPermissiveStore())
	alice, bob := uuid.New(), uuid.New()

	callID := startAnsweredCall(t, svc, alice, bob)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.End(context.Background(), alice, callID)
			svc.End(context.Background(), bob, callID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, svc.ActiveCalls())
	assert.Len(t, notifier.eventsOf(alice, EventCallEnded), 1)
	assert.Len(t, notifier.eventsOf(bob, EventCallEnded), 1)
}
