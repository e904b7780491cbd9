package db

import (
	"context"
	"errors"
	"time"

	"chatrelay/common"
	"chatrelay/log"
	"chatrelay/metrics"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var MongoURI = "mongodb://127.0.0.1:27017/?replicaSet=rs0"

var Database = "chatrelay"

var MgoCli *mongo.Client

const connectTimeout = 10 * time.Second

// Init connects the process wide client. Change streams and the cascading
// delete transaction need a replica set deployment.
func Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(MongoURI))
	if err != nil {
		return err
	}
	if err = cli.Ping(ctx, readpref.Primary()); err != nil {
		return err
	}
	MgoCli = cli
	log.Info("connected to mongo", Database)
	return nil
}

type Store struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
}

func NewStore(client *mongo.Client, database string) *Store {
	d := client.Database(database)
	return &Store{
		client:        client,
		conversations: d.Collection(ConversationCollection),
		messages:      d.Collection(MessageCollection),
	}
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return err
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "seq", Value: 1}},
	})
	return err
}

func writeErr(op string, err error) error {
	metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	return common.StoreWriteError(op, err)
}

func readErr(op string, err error) error {
	metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	return common.StoreReadError(op, err)
}

func (s *Store) CreateConversation(ctx context.Context, ownerId string) (*common.Conversation, error) {
	const op = "db.CreateConversation"
	if ownerId == "" {
		return nil, common.ValidationError(op, "owner id is required")
	}
	conv := Conversation{
		Id:        primitive.NewObjectID().Hex(),
		UserId:    ownerId,
		Title:     common.DefaultConversationTitle,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.conversations.InsertOne(ctx, conv); err != nil {
		return nil, writeErr(op, err)
	}
	c := conv.toCommon()
	return &c, nil
}

func (s *Store) GetConversation(ctx context.Context, ownerId, id string) (*common.Conversation, error) {
	const op = "db.GetConversation"
	var conv Conversation
	err := s.conversations.FindOne(ctx, bson.M{"_id": id, "userId": ownerId}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, common.NotFoundError(op, "conversation not found")
	}
	if err != nil {
		return nil, readErr(op, err)
	}
	c := conv.toCommon()
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, ownerId string) ([]common.Conversation, error) {
	const op = "db.ListConversations"
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.conversations.Find(ctx, bson.M{"userId": ownerId}, opts)
	if err != nil {
		return nil, readErr(op, err)
	}
	var docs []Conversation
	if err = cur.All(ctx, &docs); err != nil {
		return nil, readErr(op, err)
	}
	convs := make([]common.Conversation, 0, len(docs))
	for _, d := range docs {
		convs = append(convs, d.toCommon())
	}
	return convs, nil
}

func (s *Store) RenameConversation(ctx context.Context, ownerId, id, title string) error {
	const op = "db.RenameConversation"
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": id, "userId": ownerId},
		bson.M{"$set": bson.M{"title": title}})
	if err != nil {
		return writeErr(op, err)
	}
	if res.MatchedCount == 0 {
		return common.NotFoundError(op, "conversation not found")
	}
	return nil
}

var errConversationGone = errors.New("conversation not found")

func (s *Store) DeleteConversation(ctx context.Context, ownerId, id string) error {
	const op = "db.DeleteConversation"
	sess, err := s.client.StartSession()
	if err != nil {
		return writeErr(op, err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		res, err := s.conversations.DeleteOne(sc, bson.M{"_id": id, "userId": ownerId})
		if err != nil {
			return nil, err
		}
		if res.DeletedCount == 0 {
			return nil, errConversationGone
		}
		return s.messages.DeleteMany(sc, bson.M{"conversationId": id})
	})
	if errors.Is(err, errConversationGone) {
		return common.NotFoundError(op, "conversation not found")
	}
	if err != nil {
		return writeErr(op, err)
	}
	return nil
}

var errNotEmpty = errors.New("conversation already has messages")

// nextSeq allocates the next message sequence number of a conversation and
// proves the caller owns it. With onlyEmpty it matches only a conversation
// that has no messages yet.
func (s *Store) nextSeq(ctx context.Context, op, ownerId, conversationId string, onlyEmpty bool) (int64, error) {
	filter := bson.M{"_id": conversationId, "userId": ownerId}
	if onlyEmpty {
		filter["seq"] = bson.M{"$in": bson.A{0, nil}}
	}
	var conv Conversation
	err := s.conversations.FindOneAndUpdate(ctx, filter,
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if onlyEmpty {
			n, cerr := s.conversations.CountDocuments(ctx, bson.M{"_id": conversationId, "userId": ownerId})
			if cerr != nil {
				return 0, cerr
			}
			if n > 0 {
				return 0, errNotEmpty
			}
		}
		return 0, common.NotFoundError(op, "conversation not found")
	}
	if err != nil {
		return 0, err
	}
	return conv.Seq, nil
}

// insertMessage allocates the sequence number and writes the message in one
// transaction, so a concurrent cascading delete either sees the message or
// makes the insert fail with NotFound.
func (s *Store) insertMessage(ctx context.Context, op, id, ownerId, conversationId string, sender common.Sender, text string, extra common.MessageExtra, onlyEmpty bool) (*Message, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(ctx)

	res, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		seq, err := s.nextSeq(sc, op, ownerId, conversationId, onlyEmpty)
		if err != nil {
			return nil, err
		}
		msg := &Message{
			Id:             id,
			ConversationId: conversationId,
			UserId:         ownerId,
			Sender:         string(sender),
			Text:           text,
			Timestamp:      time.Now().UTC(),
			Seq:            seq,
			IsError:        extra.IsError,
		}
		if _, err := s.messages.InsertOne(sc, msg); err != nil {
			return nil, err
		}
		return msg, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Message), nil
}

func (s *Store) AppendMessage(ctx context.Context, ownerId, conversationId string, sender common.Sender, text string, extra common.MessageExtra) (*common.Message, error) {
	const op = "db.AppendMessage"
	if !sender.Valid() {
		return nil, common.ValidationError(op, "unknown sender")
	}
	msg, err := s.insertMessage(ctx, op, primitive.NewObjectID().Hex(), ownerId, conversationId, sender, text, extra, false)
	if err != nil {
		if common.KindOf(err) == common.KindInternal {
			return nil, writeErr(op, err)
		}
		return nil, err
	}
	m := msg.toCommon()
	return &m, nil
}

// InsertWelcome writes the welcome message only into a conversation without
// messages. A duplicate id or a non-empty conversation reports false.
func (s *Store) InsertWelcome(ctx context.Context, ownerId, conversationId string) (bool, error) {
	const op = "db.InsertWelcome"
	id := common.WelcomeMessageId(conversationId)
	_, err := s.insertMessage(ctx, op, id, ownerId, conversationId, common.SenderBot, common.WelcomeText, common.MessageExtra{}, true)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNotEmpty), mongo.IsDuplicateKeyError(err):
		return false, nil
	case common.KindOf(err) == common.KindInternal:
		return false, writeErr(op, err)
	default:
		return false, err
	}
}

func (s *Store) SetFeedback(ctx context.Context, ownerId, messageId string, feedback common.Feedback) error {
	const op = "db.SetFeedback"
	filter := bson.M{"_id": messageId, "userId": ownerId}
	var update bson.M
	if feedback == common.FeedbackNone {
		filter["feedback"] = bson.M{"$exists": true}
		update = bson.M{"$unset": bson.M{"feedback": ""}}
	} else {
		filter["feedback"] = bson.M{"$ne": string(feedback)}
		update = bson.M{"$set": bson.M{"feedback": string(feedback)}}
	}
	res, err := s.messages.UpdateOne(ctx, filter, update)
	if err != nil {
		return writeErr(op, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	// unchanged value or missing message
	n, err := s.messages.CountDocuments(ctx, bson.M{"_id": messageId, "userId": ownerId})
	if err != nil {
		return readErr(op, err)
	}
	if n == 0 {
		return common.NotFoundError(op, "message not found")
	}
	return nil
}

func (s *Store) findMessages(ctx context.Context, op, ownerId, conversationId string, opts *options.FindOptions) ([]common.Message, error) {
	cur, err := s.messages.Find(ctx, bson.M{"conversationId": conversationId, "userId": ownerId}, opts)
	if err != nil {
		return nil, readErr(op, err)
	}
	var docs []Message
	if err = cur.All(ctx, &docs); err != nil {
		return nil, readErr(op, err)
	}
	msgs := make([]common.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.toCommon())
	}
	return msgs, nil
}

func (s *Store) ListMessages(ctx context.Context, ownerId, conversationId string) ([]common.Message, error) {
	if _, err := s.GetConversation(ctx, ownerId, conversationId); err != nil {
		return nil, err
	}
	return s.findMessages(ctx, "db.ListMessages", ownerId, conversationId,
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
}

func (s *Store) RecentMessages(ctx context.Context, ownerId, conversationId string, n int) ([]common.Message, error) {
	msgs, err := s.findMessages(ctx, "db.RecentMessages", ownerId, conversationId,
		options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(int64(n)))
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) CountMessages(ctx context.Context, ownerId, conversationId string) (int, error) {
	n, err := s.messages.CountDocuments(ctx, bson.M{"conversationId": conversationId, "userId": ownerId})
	if err != nil {
		return 0, readErr("db.CountMessages", err)
	}
	return int(n), nil
}
