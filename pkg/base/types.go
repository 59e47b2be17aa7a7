package base

import "context"

const (
	AccountsFile = "accounts.json"
	FoldersDir   = "folders"
	EnvelopesDir = "envelopes"
	MetaDir      = "meta"
	MessagesDir  = "messages"

	JSONExt    = ".json"
	MessageExt = ".eml"

	// EnvelopeDateLayout is the date shape the agent emits for envelopes.
	EnvelopeDateLayout = "2006-01-02 15:04-07:00"

	ServiceName = "himalaya-cache"
)

// Account is a configured mailbox identity known to the agent.
type Account struct {
	Name    string  `json:"name"`
	Backend *string `json:"backend"`
	Default *bool   `json:"default"`
}

// Folder is a named container of envelopes within one account.
type Folder struct {
	Name string  `json:"name"`
	Desc *string `json:"desc"`
}

type Contact struct {
	Name *string `json:"name"`
	Addr *string `json:"addr"`
}

// Envelope is the summary record of one message. ID is only unique within
// its account and folder.
type Envelope struct {
	ID            string   `json:"id"`
	Flags         []string `json:"flags"`
	Subject       *string  `json:"subject"`
	From          *Contact `json:"from"`
	To            *Contact `json:"to"`
	Date          *string  `json:"date"`
	HasAttachment *bool    `json:"has_attachment"`
}

// Result is the captured outcome of one agent process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner is an interface to abstract starting the agent process
type Runner interface {
	Run(ctx context.Context, name string, args []string) (Result, error)
}
