package models

import (
	"strings"

	"github.com/rohanthewiz/serr"
)

// Table names for every syncable entity kind. The hub applies a batch in
// this declaration order (channels before the nodes inside them, nodes
// before the files and assessment items that point at them), so the slice
// below doubles as the sync priority list.
const (
	TableUser         = "user"
	TableChannel      = "channel"
	TableInvitation   = "invitation"
	TableContentNode  = "contentnode"
	TablePrerequisite = "contentnode_prerequisite"
	TableClipboard    = "clipboard"
	TableAssessment   = "assessmentitem"
	TableChannelSet   = "channelset"
	TableFile         = "file"
	TableEditorM2M    = "editor_m2m"
	TableViewerM2M    = "viewer_m2m"
	TableSavedSearch  = "savedsearch"
)

// tablePriority lists tables in hub apply order.
var tablePriority = []string{
	TableUser,
	TableChannel,
	TableInvitation,
	TableContentNode,
	TablePrerequisite,
	TableClipboard,
	TableAssessment,
	TableChannelSet,
	TableFile,
	TableEditorM2M,
	TableViewerM2M,
	TableSavedSearch,
}

var tableIndices = func() map[string]int {
	m := make(map[string]int, len(tablePriority))
	for i, name := range tablePriority {
		m[name] = i
	}
	return m
}()

// KnownTable reports whether name is a registered entity table.
func KnownTable(name string) bool {
	_, ok := tableIndices[name]
	return ok
}

// TableSortIndex returns the apply-order index for a table. Unknown tables
// sort last so a batch with a bad table name still processes the rest.
func TableSortIndex(name string) int {
	if i, ok := tableIndices[name]; ok {
		return i
	}
	return len(tablePriority)
}

// Tree insert positions, relative to a target node.
const (
	PositionFirstChild = "first-child"
	PositionLastChild  = "last-child"
	PositionLeft       = "left"
	PositionRight      = "right"
)

// ValidPosition reports whether p is a recognized insert position.
func ValidPosition(p string) bool {
	switch p {
	case PositionFirstChild, PositionLastChild, PositionLeft, PositionRight:
		return true
	}
	return false
}

// Content node kinds. Topic is the only container kind.
const (
	KindTopic    = "topic"
	KindVideo    = "video"
	KindAudio    = "audio"
	KindDocument = "document"
	KindHTML5    = "html5"
	KindExercise = "exercise"
)

// JoinKey builds the canonical composite key used by tables whose rows are
// identified by two ids (prerequisite edges, assessment items).
func JoinKey(a, b string) string {
	return a + ":" + b
}

// SplitKey splits a composite key produced by JoinKey.
func SplitKey(key string) (string, string, error) {
	a, b, found := strings.Cut(key, ":")
	if !found || a == "" || b == "" {
		return "", "", serr.New("malformed composite key: " + key)
	}
	return a, b, nil
}
