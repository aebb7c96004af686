package database

import (
	"context"
	"log/slog"

	"github.com/surrealdb/surrealdb.go"
)

// schema defines the tables and the functions that perform each state
// transition together with its change log entry. A function invoked as a
// single RETURN statement runs inside that statement's transaction, so the
// transition and its sequence number commit or fail together.
//
// Requires SurrealDB 2.1 or later for DEFINE ... OVERWRITE.
const schema = `
DEFINE TABLE IF NOT EXISTS user SCHEMALESS;
DEFINE FIELD IF NOT EXISTS displayName ON user TYPE string;
DEFINE FIELD IF NOT EXISTS lastSeen ON user TYPE option<datetime | null>;

DEFINE TABLE IF NOT EXISTS message SCHEMALESS;
DEFINE FIELD IF NOT EXISTS sender ON message TYPE record<user>;
DEFINE FIELD IF NOT EXISTS recipient ON message TYPE record<user>;
DEFINE FIELD IF NOT EXISTS content ON message TYPE string;
DEFINE FIELD IF NOT EXISTS createdAt ON message TYPE datetime;
DEFINE FIELD IF NOT EXISTS deliveredAt ON message TYPE option<datetime>;
DEFINE FIELD IF NOT EXISTS readAt ON message TYPE option<datetime>;
DEFINE INDEX IF NOT EXISTS message_sender ON message FIELDS sender;
DEFINE INDEX IF NOT EXISTS message_recipient ON message FIELDS recipient;

DEFINE TABLE IF NOT EXISTS change SCHEMALESS;
DEFINE INDEX IF NOT EXISTS change_sequence ON change FIELDS sequence UNIQUE;

DEFINE TABLE IF NOT EXISTS counter SCHEMALESS;

DEFINE TABLE IF NOT EXISTS session SCHEMALESS;
DEFINE INDEX IF NOT EXISTS session_created ON session FIELDS createdAt;

DEFINE FUNCTION OVERWRITE fn::change_append($type: string, $data: object, $at: datetime) {
	LET $seq = (UPSERT ONLY counter:change SET value = (value ?? 0) + 1 RETURN AFTER).value;
	RETURN CREATE ONLY type::thing('change', $seq) CONTENT {
		sequence: $seq,
		type: $type,
		data: $data,
		timestamp: $at
	};
};

DEFINE FUNCTION OVERWRITE fn::message_send($id: string, $sender: string, $recipient: string, $content: string, $at: datetime) {
	CREATE type::thing('message', $id) CONTENT {
		sender: type::thing('user', $sender),
		recipient: type::thing('user', $recipient),
		content: $content,
		createdAt: $at
	};
	LET $sent = fn::change_append('message-sent', {
		messageId: $id,
		senderId: $sender,
		recipientId: $recipient
	}, $at);
	RETURN { found: true, changes: [$sent] };
};

DEFINE FUNCTION OVERWRITE fn::message_deliver($id: string, $at: datetime) {
	LET $rid = type::thing('message', $id);
	LET $m = (SELECT * FROM $rid)[0];
	IF $m == NONE {
		RETURN { found: false, changes: [] };
	};
	IF $m.deliveredAt != NONE {
		RETURN { found: true, changes: [] };
	};
	UPDATE $rid SET deliveredAt = $at;
	LET $delivered = fn::change_append('message-delivered', {
		messageId: $id,
		senderId: record::id($m.sender),
		recipientId: record::id($m.recipient)
	}, $at);
	RETURN { found: true, changes: [$delivered] };
};

DEFINE FUNCTION OVERWRITE fn::message_read($id: string, $at: datetime) {
	LET $delivery = fn::message_deliver($id, $at);
	IF !$delivery.found {
		RETURN $delivery;
	};
	LET $rid = type::thing('message', $id);
	LET $m = (SELECT * FROM $rid)[0];
	IF $m.readAt != NONE {
		RETURN $delivery;
	};
	UPDATE $rid SET readAt = $at;
	LET $read = fn::change_append('message-read', {
		messageId: $id,
		senderId: record::id($m.sender),
		recipientId: record::id($m.recipient)
	}, $at);
	RETURN { found: true, changes: array::push($delivery.changes, $read) };
};
`

// ApplySchema defines tables, indexes and functions. It is safe to run on
// every start.
func ApplySchema(ctx context.Context, conn DBConnection) error {
	ctx, cancel := bounded(ctx, writeTimeoutKey, conn.ExecuteTimeout())
	defer cancel()

	err := conn.Do(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, schema, nil)
	})
	if err != nil {
		return WrapError(err, "apply schema")
	}
	slog.InfoContext(ctx, "Database schema applied", "event", "db_schema_applied")
	return nil
}
