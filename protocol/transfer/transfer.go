// transfer.go specifies the messages exchanged over a transfer connection.
package transfer

import (
	"encoding/json"
)

// Path is the route on which transfer connections are upgraded.
const Path = "/admin/transfer"

// MsgType is the top level discriminator of a request envelope.
type MsgType string

const (
	TypeCommand  MsgType = "command"
	TypeTransfer MsgType = "transfer"
)

// Command is a connection level command.
type Command string

const (
	CommandInit   Command = "init"
	CommandEnd    Command = "end"
	CommandStatus Command = "status"
)

// Commands lists every command the protocol knows about.
var Commands = []Command{CommandInit, CommandEnd, CommandStatus}

// Kind of a transfer, chosen by the client on init.
type Kind string

const (
	KindPush Kind = "push"
	KindPull Kind = "pull"
)

// Kinds lists the transfer kinds of the protocol.
var Kinds = []Kind{KindPush, KindPull}

// MsgKind discriminates transfer messages.
type MsgKind string

const (
	MsgKindAction MsgKind = "action"
	MsgKindStep   MsgKind = "step"
)

// Action is a named remote procedure scoped to an active transfer.
type Action string

const (
	ActionGetSchemas     Action = "getSchemas"
	ActionGetMetadata    Action = "getMetadata"
	ActionBootstrap      Action = "bootstrap"
	ActionClose          Action = "close"
	ActionBeforeTransfer Action = "beforeTransfer"
)

// StepAction marks the phase of a step message.
type StepAction string

const (
	StepStart  StepAction = "start"
	StepStream StepAction = "stream"
	StepEnd    StepAction = "end"
)

// Step is one category of transferred data.
type Step string

const (
	StepEntities      Step = "entities"
	StepLinks         Step = "links"
	StepConfiguration Step = "configuration"
	StepAssets        Step = "assets"
)

// Steps lists the categories in the order they are transferred.
var Steps = []Step{StepEntities, StepLinks, StepAssets, StepConfiguration}

// Transfer identifies the transfer active on a connection.
type Transfer struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

// Msg is a request envelope. Which fields are populated depends on Type and Kind.
type Msg struct {
	UUID       string          `json:"uuid"`
	Type       MsgType         `json:"type"`
	Command    Command         `json:"command,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Kind       MsgKind         `json:"kind,omitempty"`
	Action     string          `json:"action,omitempty"`
	Step       Step            `json:"step,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	TransferID string          `json:"transferID,omitempty"`
}

// Response answers exactly one request, correlated by UUID.
type Response struct {
	UUID  string          `json:"uuid"`
	Data  json.RawMessage `json:"data"`
	Error *ResponseError  `json:"error"`
}

// ResponseError is the wire form of a failed request.
type ResponseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// InitParams are the parameters of the init command.
type InitParams struct {
	Transfer Kind        `json:"transfer"`
	Options  InitOptions `json:"options"`
}

// InitOptions are forwarded to the destination created for a push transfer.
type InitOptions struct {
	Strategy string          `json:"strategy,omitempty"`
	Restore  *RestoreOptions `json:"restore,omitempty"`
}

// RestoreOptions scopes what the restore strategy deletes before writing.
type RestoreOptions struct {
	Entities RestoreEntities `json:"entities,omitempty"`
}

type RestoreEntities struct {
	Include []string `json:"include,omitempty"`
}

// InitResult is the data of a successful init command.
type InitResult struct {
	TransferID string `json:"transferID"`
}

// EndResult is the data of the end command.
type EndResult struct {
	OK bool `json:"ok"`
}

// AssetPayload is the data of an assets stream step.
type AssetPayload struct {
	Action  StepAction      `json:"action"`
	AssetID string          `json:"assetID"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// AssetMetadata is carried by the start action of an asset.
type AssetMetadata struct {
	Filename string     `json:"filename"`
	Filepath string     `json:"filepath"`
	Stats    AssetStats `json:"stats"`
}

type AssetStats struct {
	Size    int64 `json:"size"`
	ModTime int64 `json:"mtimeMs,omitempty"`
}
