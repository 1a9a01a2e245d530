package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"ex-tally/pkg/otogi"

	"github.com/gotd/td/tg"
)

// PeerCache stores Telegram input peers discovered from inbound updates,
// history pages, dialog listings and static configuration.
//
// Outbound dispatch, history reads and admin checks use it to turn neutral
// conversation identifiers back into Telegram input peers.
type PeerCache struct {
	mu             sync.RWMutex
	byConversation map[string]tg.InputPeerClass
}

// NewPeerCache creates an empty, concurrency-safe Telegram peer cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{
		byConversation: make(map[string]tg.InputPeerClass),
	}
}

// RememberEnvelope ingests entity data attached to one gotd update envelope.
func (c *PeerCache) RememberEnvelope(envelope gotdUpdateEnvelope) {
	c.remember(envelope.usersByID, envelope.chatsByID)
}

// RememberEntities ingests user and chat entities returned by RPC responses.
func (c *PeerCache) RememberEntities(users []tg.UserClass, chats []tg.ChatClass) {
	c.remember(indexGotdUsers(users), indexGotdChats(chats))
}

func (c *PeerCache) remember(usersByID map[int64]*tg.User, chatsByID map[int64]gotdChatInfo) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for userID, user := range usersByID {
		if user == nil {
			continue
		}
		if peer := user.AsInputPeer(); peer != nil {
			c.storeLocked(otogi.ConversationTypePrivate, strconv.FormatInt(userID, 10), peer)
		}
	}
	for id, chat := range chatsByID {
		if chat.inputPeer != nil {
			c.storeLocked(chat.kind, strconv.FormatInt(id, 10), chat.inputPeer)
		}
	}
}

// RememberConversation stores one explicit conversation-to-peer mapping.
func (c *PeerCache) RememberConversation(chat ChatRef, peer tg.InputPeerClass) {
	if c == nil || peer == nil || chat.ID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(chat.Type, chat.ID, peer)
}

// storeLocked also registers megagroups under the channel key: they surface as
// "group" in neutral events but use channel peers for RPC.
func (c *PeerCache) storeLocked(kind otogi.ConversationType, id string, peer tg.InputPeerClass) {
	c.byConversation[conversationKey(kind, id)] = cloneInputPeer(peer)
	if kind == otogi.ConversationTypeGroup {
		if _, isChannel := peer.(*tg.InputPeerChannel); isChannel {
			c.byConversation[conversationKey(otogi.ConversationTypeChannel, id)] = cloneInputPeer(peer)
		}
	}
}

// Resolve returns an input peer for an outbound target conversation.
//
// A miss fails with otogi.ErrConversationUnresolved: the peer may still appear
// once the session has seen it.
func (c *PeerCache) Resolve(conversation otogi.Conversation) (tg.InputPeerClass, error) {
	if c == nil {
		return nil, fmt.Errorf("resolve peer: nil cache")
	}
	if conversation.ID == "" || conversation.Type == "" {
		return nil, fmt.Errorf("resolve peer: %w: invalid conversation", otogi.ErrInvalidOutboundRequest)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if peer, ok := c.byConversation[conversationKey(conversation.Type, conversation.ID)]; ok {
		return cloneInputPeer(peer), nil
	}

	switch conversation.Type {
	case otogi.ConversationTypeGroup:
		if peer, ok := c.byConversation[conversationKey(otogi.ConversationTypeChannel, conversation.ID)]; ok {
			return cloneInputPeer(peer), nil
		}
	case otogi.ConversationTypeChannel:
		if peer, ok := c.byConversation[conversationKey(otogi.ConversationTypeGroup, conversation.ID)]; ok {
			return cloneInputPeer(peer), nil
		}
	}

	return nil, fmt.Errorf(
		"resolve peer %s/%s: %w",
		conversation.Type,
		conversation.ID,
		otogi.ErrConversationUnresolved,
	)
}

// ResolveUser returns the input peer of one user seen by the session.
func (c *PeerCache) ResolveUser(userID string) (tg.InputPeerClass, error) {
	return c.Resolve(otogi.Conversation{ID: userID, Type: otogi.ConversationTypePrivate})
}

// PeerConfig pins one conversation whose access hash is known ahead of time.
type PeerConfig struct {
	// ConversationID is the neutral conversation id (channel, chat or user id).
	ConversationID string `json:"conversation_id"`
	// Type is the neutral conversation type.
	Type otogi.ConversationType `json:"type"`
	// AccessHash is the Telegram access hash; unused for basic groups.
	AccessHash int64 `json:"access_hash"`
}

// inputPeer builds the Telegram peer described by the pin.
func (p PeerConfig) inputPeer() (tg.InputPeerClass, error) {
	id, err := strconv.ParseInt(p.ConversationID, 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("peer %q: invalid conversation_id", p.ConversationID)
	}

	switch p.Type {
	case otogi.ConversationTypePrivate:
		return &tg.InputPeerUser{UserID: id, AccessHash: p.AccessHash}, nil
	case otogi.ConversationTypeChannel:
		return &tg.InputPeerChannel{ChannelID: id, AccessHash: p.AccessHash}, nil
	case otogi.ConversationTypeGroup:
		if p.AccessHash != 0 {
			return &tg.InputPeerChannel{ChannelID: id, AccessHash: p.AccessHash}, nil
		}
		return &tg.InputPeerChat{ChatID: id}, nil
	default:
		return nil, fmt.Errorf("peer %s: unsupported type %q", p.ConversationID, p.Type)
	}
}

// dialogLister lists the dialogs of the logged-in account.
type dialogLister interface {
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
}

const warmUpDialogLimit = 100

// WarmUp records the peers of the most recent dialogs so configured conversations
// resolve before any update from them arrives.
func (c *PeerCache) WarmUp(ctx context.Context, api dialogLister) (int, error) {
	if api == nil {
		return 0, fmt.Errorf("warm up peer cache: nil api")
	}

	response, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      warmUpDialogLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("warm up peer cache: get dialogs: %w", err)
	}

	modified, ok := response.AsModified()
	if !ok {
		return 0, nil
	}
	users, chats := modified.GetUsers(), modified.GetChats()
	c.RememberEntities(users, chats)

	return len(users) + len(chats), nil
}

func conversationKey(conversationType otogi.ConversationType, id string) string {
	return string(conversationType) + ":" + id
}

func cloneInputPeer(peer tg.InputPeerClass) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.InputPeerUser:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerChat:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerChannel:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerSelf:
		copyPeer := *typed
		return &copyPeer
	default:
		return peer
	}
}
