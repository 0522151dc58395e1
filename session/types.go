package session

import "github.com/pkg/errors"

// Container names inside the session document. File contents and the
// operation log are structural containers of the document itself.
const (
	ContainerFileTree = "fileTree"
	ContainerActivity = "activity"
)

// Update origins. Local transactions carry OriginLocal; a replica applying
// hub-relayed bytes tags them OriginHub so its push listener stays quiet;
// snapshot restoration uses OriginRestore.
const (
	OriginLocal   = "local"
	OriginHub     = "hub"
	OriginRestore = "restore"
)

// Operation kinds recorded in the operation log.
const (
	OpCreate = "create"
	OpWrite  = "write"
	OpMove   = "move"
	OpDelete = "delete"
)

// Activity actions.
const (
	ActionIdle     = "idle"
	ActionReading  = "reading"
	ActionEditing  = "editing"
	ActionMoving   = "moving"
	ActionDeleting = "deleting"
)

// WriteMode selects how WriteFile treats existing content.
type WriteMode string

const (
	ModeOverwrite WriteMode = "overwrite"
	ModeAppend    WriteMode = "append"
)

// Precondition failures of structural operations. Both are returned to the
// caller and recorded in the operation log with success=false.
var (
	ErrFileMissing       = errors.New("file missing")
	ErrDestinationExists = errors.New("destination exists")
)

// Structs

// FileMeta is the metadata entry kept per live path in the file tree.
type FileMeta struct {
	Kind           string `json:"kind"`
	LastModifiedMs int64  `json:"lastModifiedMs"`
	LastModifiedBy string `json:"lastModifiedBy"`
	Token          int64  `json:"token"`
	SizeBytes      int64  `json:"sizeBytes"`
	IsBinary       bool   `json:"isBinary"`
}

// Operation is one entry of the append-only operation log. Failed
// structural operations are logged too, with Success false and the
// precondition failure in Error.
type Operation struct {
	Token       int64  `json:"token"`
	Kind        string `json:"kind"`
	Path        string `json:"path"`
	NewPath     string `json:"newPath,omitempty"`
	By          string `json:"by"`
	TimestampMs int64  `json:"timestampMs"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Activity is the presence entry kept per participant.
type Activity struct {
	UserID      string `json:"userId"`
	CurrentFile string `json:"currentFile,omitempty"`
	Action      string `json:"action"`
	TimestampMs int64  `json:"timestampMs"`
}

// ActivityChange is a partial activity update: empty Action keeps the
// previous action, a nil CurrentFile keeps the previous file, a pointer to
// the empty string clears it.
type ActivityChange struct {
	Action      string
	CurrentFile *string
}

// FileEntry pairs a path with its metadata for listings.
type FileEntry struct {
	Path string
	Meta FileMeta
}

// Stats summarizes a session for the joined handshake.
type Stats struct {
	Participants int   `json:"participants"`
	Files        int   `json:"files"`
	Operations   int   `json:"operations"`
	CreatedAtMs  int64 `json:"createdAtMs"`
}
