package telegram

import (
	"context"
	"errors"
	"testing"

	"ex-tally/pkg/otogi"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

func TestPermissionCheckerIsAdministrator(t *testing.T) {
	t.Parallel()

	channelTarget := otogi.OutboundTarget{
		Conversation: otogi.Conversation{ID: "500", Type: otogi.ConversationTypeGroup},
	}
	chatTarget := testGroupTarget()
	privateTarget := otogi.OutboundTarget{
		Conversation: otogi.Conversation{ID: "42", Type: otogi.ConversationTypePrivate},
	}

	tests := []struct {
		name         string
		target       otogi.OutboundTarget
		actor        otogi.Actor
		participant  tg.ChannelParticipantClass
		channelErr   error
		chatMembers  []tg.ChatParticipantClass
		want         bool
		wantErr      error
		wantAnyErr   bool
		wantRPCCalls int
	}{
		{
			name:         "channel creator",
			target:       channelTarget,
			actor:        otogi.Actor{ID: "42"},
			participant:  &tg.ChannelParticipantCreator{UserID: 42},
			want:         true,
			wantRPCCalls: 1,
		},
		{
			name:         "channel admin",
			target:       channelTarget,
			actor:        otogi.Actor{ID: "42"},
			participant:  &tg.ChannelParticipantAdmin{UserID: 42},
			want:         true,
			wantRPCCalls: 1,
		},
		{
			name:         "channel member",
			target:       channelTarget,
			actor:        otogi.Actor{ID: "42"},
			participant:  &tg.ChannelParticipant{UserID: 42},
			wantRPCCalls: 1,
		},
		{
			name:         "channel non participant",
			target:       channelTarget,
			actor:        otogi.Actor{ID: "42"},
			channelErr:   tgerr.New(400, "USER_NOT_PARTICIPANT"),
			wantRPCCalls: 1,
		},
		{
			name:         "channel forbidden",
			target:       channelTarget,
			actor:        otogi.Actor{ID: "42"},
			channelErr:   tgerr.New(400, "CHAT_ADMIN_REQUIRED"),
			wantAnyErr:   true,
			wantRPCCalls: 1,
		},
		{
			name:    "channel actor never seen",
			target:  channelTarget,
			actor:   otogi.Actor{ID: "77"},
			wantErr: otogi.ErrConversationUnresolved,
		},
		{
			name:   "chat admin",
			target: chatTarget,
			actor:  otogi.Actor{ID: "42"},
			chatMembers: []tg.ChatParticipantClass{
				&tg.ChatParticipant{UserID: 7},
				&tg.ChatParticipantAdmin{UserID: 42},
			},
			want:         true,
			wantRPCCalls: 1,
		},
		{
			name:   "chat member",
			target: chatTarget,
			actor:  otogi.Actor{ID: "7"},
			chatMembers: []tg.ChatParticipantClass{
				&tg.ChatParticipantCreator{UserID: 42},
				&tg.ChatParticipant{UserID: 7},
			},
			wantRPCCalls: 1,
		},
		{
			name:    "chat actor id not numeric",
			target:  chatTarget,
			actor:   otogi.Actor{ID: "ana"},
			wantErr: otogi.ErrInvalidOutboundRequest,
		},
		{
			name:   "private conversation has no admins",
			target: privateTarget,
			actor:  otogi.Actor{ID: "42"},
		},
		{
			name:    "missing actor",
			target:  chatTarget,
			wantErr: otogi.ErrInvalidOutboundRequest,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			peers := newTestPeerCache()
			peers.RememberConversation(
				ChatRef{ID: "500", Type: otogi.ConversationTypeGroup},
				&tg.InputPeerChannel{ChannelID: 500, AccessHash: 5},
			)
			peers.RememberEntities([]tg.UserClass{newTGUser(42, "admin", "Admin")}, nil)

			rpc := &stubParticipantRPC{
				participant: testCase.participant,
				channelErr:  testCase.channelErr,
				chatMembers: testCase.chatMembers,
			}
			checker, err := newPermissionCheckerWithRPC(rpc, peers)
			if err != nil {
				t.Fatalf("new permission checker failed: %v", err)
			}

			got, err := checker.IsAdministrator(context.Background(), testCase.target, testCase.actor)
			if testCase.wantErr != nil || testCase.wantAnyErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
					t.Fatalf("error = %v, want %v", err, testCase.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("administrator = %v, want %v", got, testCase.want)
			}
			if rpc.calls != testCase.wantRPCCalls {
				t.Fatalf("rpc calls = %d, want %d", rpc.calls, testCase.wantRPCCalls)
			}
		})
	}
}

func TestPermissionCheckerForbiddenIsClassified(t *testing.T) {
	t.Parallel()

	peers := newTestPeerCache()
	checker, err := newPermissionCheckerWithRPC(&stubParticipantRPC{chatErr: tgerr.New(403, "CHAT_ADMIN_REQUIRED")}, peers)
	if err != nil {
		t.Fatalf("new permission checker failed: %v", err)
	}

	_, err = checker.IsAdministrator(context.Background(), testGroupTarget(), otogi.Actor{ID: "42"})
	var outboundErr *otogi.OutboundError
	if !errors.As(err, &outboundErr) {
		t.Fatalf("error = %v, want outbound error", err)
	}
	if outboundErr.Kind != otogi.OutboundErrorKindForbidden {
		t.Fatalf("kind = %s, want forbidden", outboundErr.Kind)
	}
	if outboundErr.Operation != otogi.OutboundOperationCheckPermission {
		t.Fatalf("operation = %s, want check_permission", outboundErr.Operation)
	}
}

type stubParticipantRPC struct {
	participant tg.ChannelParticipantClass
	channelErr  error
	chatMembers []tg.ChatParticipantClass
	chatErr     error
	calls       int
}

func (s *stubParticipantRPC) GetChannelParticipant(
	_ context.Context,
	_ *tg.InputPeerChannel,
	_ tg.InputPeerClass,
) (tg.ChannelParticipantClass, error) {
	s.calls++
	if s.channelErr != nil {
		return nil, s.channelErr
	}

	return s.participant, nil
}

func (s *stubParticipantRPC) GetChatParticipants(context.Context, int64) ([]tg.ChatParticipantClass, error) {
	s.calls++
	if s.chatErr != nil {
		return nil, s.chatErr
	}

	return s.chatMembers, nil
}
