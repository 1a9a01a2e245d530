package telegram

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"ex-tally/pkg/otogi"

	"github.com/gotd/td/tg"
)

// historyPageLimit is the largest page messages.getHistory serves.
const historyPageLimit = 100

// historyPage is one messages.getHistory response.
type historyPage struct {
	messages []tg.MessageClass
	users    []tg.UserClass
	chats    []tg.ChatClass
}

// historyQuery mirrors the paging fields of messages.getHistory. A zero
// addOffset lists messages older than offsetID (0 = newest); addOffset -limit
// lists the limit messages starting at offsetID and going newer.
type historyQuery struct {
	offsetID  int
	addOffset int
	minID     int
	limit     int
}

type historyRPC interface {
	// GetHistory returns one page newer than query.minID, newest first.
	GetHistory(ctx context.Context, peer tg.InputPeerClass, query historyQuery) (historyPage, error)
	DeleteMessages(ctx context.Context, peer tg.InputPeerClass, messageIDs []int, revoke bool) (int, error)
}

// LogSource reads and trims Telegram conversation history.
type LogSource struct {
	cfg      outboundConfig
	peers    *PeerCache
	telegram historyRPC
	ready    *sessionGate
}

func newLogSourceWithRPC(
	rpc historyRPC,
	peers *PeerCache,
	ready *sessionGate,
	options ...OutboundOption,
) (*LogSource, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new telegram log source: nil rpc adapter")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram log source: nil peer cache")
	}

	return &LogSource{
		cfg:      newOutboundConfig(options),
		peers:    peers,
		telegram: rpc,
		ready:    ready,
	}, nil
}

// FetchRecords reads one window of records, newest first.
//
// Without After it pages backwards from the newest message. With After it
// pages forward from the checkpoint and keeps the oldest Limit records, so a
// backlog larger than Limit drains over several calls instead of being
// skipped. Any failing page discards the records already read.
func (s *LogSource) FetchRecords(ctx context.Context, request otogi.FetchRecordsRequest) ([]otogi.LogRecord, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("fetch records validate: %w", err)
	}
	if err := s.ready.wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}

	peer, err := resolveTargetPeer(s.peers, request.Target)
	if err != nil {
		return nil, fmt.Errorf("fetch records resolve peer: %w", err)
	}

	var (
		records []otogi.LogRecord
		pages   int
	)
	if request.After == nil {
		records, pages, err = s.fetchLatest(ctx, peer, request.Limit)
	} else {
		records, pages, err = s.fetchSince(ctx, peer, int(*request.After), request.Limit)
	}
	if err != nil {
		return nil, err
	}

	s.cfg.log(ctx, otogi.OutboundOperationFetchRecords,
		"conversation", request.Target.Conversation.ID,
		"records", len(records),
		"pages", pages,
	)

	return records, nil
}

// fetchLatest pages backwards from the newest message until limit records
// were read or history is exhausted.
func (s *LogSource) fetchLatest(ctx context.Context, peer tg.InputPeerClass, limit int) ([]otogi.LogRecord, int, error) {
	records := make([]otogi.LogRecord, 0, min(limit, historyPageLimit))
	offsetID, pages := 0, 0
	for len(records) < limit {
		pageLimit := min(limit-len(records), historyPageLimit)
		page, err := s.historyPage(ctx, peer, historyQuery{offsetID: offsetID, limit: pageLimit}, pages)
		if err != nil {
			return nil, pages, err
		}
		pages++

		dir := gotdDirectory{users: indexGotdUsers(page.users)}
		lowest := offsetID
		for _, raw := range page.messages {
			id := raw.GetID()
			if lowest == 0 || id < lowest {
				lowest = id
			}
			message, ok := raw.(*tg.Message)
			if !ok || len(records) == limit {
				continue
			}
			records = append(records, logRecordFromMessage(message, dir))
		}

		if len(page.messages) < pageLimit || lowest <= 1 || lowest == offsetID {
			break
		}
		offsetID = lowest
	}

	return records, pages, nil
}

// fetchSince pages forward from after until limit records newer than after
// were read or the newest message was reached.
func (s *LogSource) fetchSince(
	ctx context.Context,
	peer tg.InputPeerClass,
	after int,
	limit int,
) ([]otogi.LogRecord, int, error) {
	records := make([]otogi.LogRecord, 0, min(limit, historyPageLimit))
	next, pages := after+1, 0
	for len(records) < limit {
		pageLimit := min(limit-len(records), historyPageLimit)
		query := historyQuery{offsetID: next, addOffset: -pageLimit, minID: after, limit: pageLimit}
		page, err := s.historyPage(ctx, peer, query, pages)
		if err != nil {
			return nil, pages, err
		}
		pages++

		dir := gotdDirectory{users: indexGotdUsers(page.users)}
		highest := next - 1
		fresh := make([]otogi.LogRecord, 0, len(page.messages))
		for _, raw := range page.messages {
			id := raw.GetID()
			if id < next {
				continue
			}
			highest = max(highest, id)
			if message, ok := raw.(*tg.Message); ok {
				fresh = append(fresh, logRecordFromMessage(message, dir))
			}
		}
		slices.SortFunc(fresh, func(left, right otogi.LogRecord) int { return cmp.Compare(left.ID, right.ID) })
		records = append(records, fresh[:min(len(fresh), limit-len(records))]...)

		if len(page.messages) < pageLimit || highest < next {
			break
		}
		next = highest + 1
	}

	slices.Reverse(records)

	return records, pages, nil
}

func (s *LogSource) historyPage(
	ctx context.Context,
	peer tg.InputPeerClass,
	query historyQuery,
	index int,
) (historyPage, error) {
	page, err := s.getHistory(ctx, otogi.OutboundOperationFetchRecords, peer, query)
	if err != nil {
		return historyPage{}, fmt.Errorf("fetch records page %d: %w", index, err)
	}
	s.peers.RememberEntities(page.users, page.chats)

	return page, nil
}

// PurgeRecords deletes the newest Limit messages of the conversation.
func (s *LogSource) PurgeRecords(ctx context.Context, request otogi.PurgeRecordsRequest) (int, error) {
	if err := request.Validate(); err != nil {
		return 0, fmt.Errorf("purge records validate: %w", err)
	}
	if err := s.ready.wait(ctx); err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}

	peer, err := resolveTargetPeer(s.peers, request.Target)
	if err != nil {
		return 0, fmt.Errorf("purge records resolve peer: %w", err)
	}

	page, err := s.getHistory(ctx, otogi.OutboundOperationPurgeRecords, peer, historyQuery{
		limit: min(request.Limit, historyPageLimit),
	})
	if err != nil {
		return 0, fmt.Errorf("purge records list: %w", err)
	}

	ids := make([]int, 0, len(page.messages))
	for _, raw := range page.messages {
		if _, empty := raw.(*tg.MessageEmpty); empty {
			continue
		}
		ids = append(ids, raw.GetID())
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int
	err = s.cfg.call(ctx, otogi.OutboundOperationPurgeRecords, func(rpcCtx context.Context) (err error) {
		deleted, err = s.telegram.DeleteMessages(rpcCtx, peer, ids, true)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge records delete %d: %w", len(ids), err)
	}

	s.cfg.log(ctx, otogi.OutboundOperationPurgeRecords,
		"conversation", request.Target.Conversation.ID,
		"deleted", deleted,
	)

	return deleted, nil
}

func (s *LogSource) getHistory(
	ctx context.Context,
	operation otogi.OutboundOperation,
	peer tg.InputPeerClass,
	query historyQuery,
) (page historyPage, err error) {
	err = s.cfg.call(ctx, operation, func(rpcCtx context.Context) (err error) {
		page, err = s.telegram.GetHistory(rpcCtx, peer, query)
		return err
	})

	return page, err
}

func logRecordFromMessage(message *tg.Message, dir gotdDirectory) otogi.LogRecord {
	record := otogi.LogRecord{
		ID:       otogi.RecordID(message.ID),
		PostedAt: intToTimeUTC(message.Date),
		Text:     message.Message,
	}
	if user, isUser := message.FromID.(*tg.PeerUser); isUser {
		record.Author = dir.user(user.UserID).neutral()
	}
	record.Embed = mapEmbed(message.Media).neutral()

	return record
}

func (r gotdRPC) GetHistory(ctx context.Context, peer tg.InputPeerClass, query historyQuery) (historyPage, error) {
	response, err := r.raw.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      peer,
		OffsetID:  query.offsetID,
		AddOffset: query.addOffset,
		MinID:     query.minID,
		Limit:     query.limit,
	})
	if err != nil {
		return historyPage{}, fmt.Errorf("get history: %w", err)
	}

	modified, ok := response.AsModified()
	if !ok {
		return historyPage{}, nil
	}

	return historyPage{
		messages: modified.GetMessages(),
		users:    modified.GetUsers(),
		chats:    modified.GetChats(),
	}, nil
}
