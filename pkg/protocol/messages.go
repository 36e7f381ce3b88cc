package protocol

// Command is the wire name of a message.
type Command string

// The commands exchanged between peers.
const (
	HandshakeRequestCommand  Command = "HANDSHAKE_REQUEST"
	HandshakeResponseCommand Command = "HANDSHAKE_RESPONSE"
	ConnectionRefusedCommand Command = "CONNECTION_REFUSED"
	InvalidProtocolCommand   Command = "INVALID_PROTOCOL"

	DirectoryCreateRequestCommand  Command = "DIRECTORY_CREATE_REQUEST"
	DirectoryCreateResponseCommand Command = "DIRECTORY_CREATE_RESPONSE"
	DirectoryDeleteRequestCommand  Command = "DIRECTORY_DELETE_REQUEST"
	DirectoryDeleteResponseCommand Command = "DIRECTORY_DELETE_RESPONSE"

	FileCreateRequestCommand  Command = "FILE_CREATE_REQUEST"
	FileCreateResponseCommand Command = "FILE_CREATE_RESPONSE"
	FileDeleteRequestCommand  Command = "FILE_DELETE_REQUEST"
	FileDeleteResponseCommand Command = "FILE_DELETE_RESPONSE"
	FileModifyRequestCommand  Command = "FILE_MODIFY_REQUEST"
	FileModifyResponseCommand Command = "FILE_MODIFY_RESPONSE"

	FileBytesRequestCommand  Command = "FILE_BYTES_REQUEST"
	FileBytesResponseCommand Command = "FILE_BYTES_RESPONSE"
)

// Family groups commands by the part of the protocol they belong to.
type Family int

const (
	// ConnectionFamily messages are only valid while a connection is being
	// admitted, except INVALID_PROTOCOL which may be sent at any time.
	ConnectionFamily Family = iota
	DirectoryFamily
	FileFamily
	BytesFamily
)

// IsHandshakeCommand returns whether `cmd` belongs to the admission exchange.
func IsHandshakeCommand(cmd Command) bool {
	switch cmd {
	case HandshakeRequestCommand, HandshakeResponseCommand, ConnectionRefusedCommand:
		return true
	}
	return false
}

// Message is implemented by every message type in this package.
type Message interface {
	Command() Command
	Family() Family
}

// HandshakeRequest asks the receiver to admit the sender, who listens on
// HostPort.
type HandshakeRequest struct {
	HostPort HostPort
}

// HandshakeResponse accepts a HandshakeRequest.
type HandshakeResponse struct {
	HostPort HostPort
}

// ConnectionRefused rejects a HandshakeRequest and lists the peers the
// refusing node is connected to.
type ConnectionRefused struct {
	Message string
	Peers   []HostPort
}

// InvalidProtocol reports that the last message received was not acceptable.
type InvalidProtocol struct {
	Message string
}

type DirectoryCreateRequest struct {
	PathName string
}

type DirectoryCreateResponse struct {
	PathName string
	Message  string
	Status   bool
}

type DirectoryDeleteRequest struct {
	PathName string
}

type DirectoryDeleteResponse struct {
	PathName string
	Message  string
	Status   bool
}

type FileCreateRequest struct {
	FileDescriptor FileDescriptor
	PathName       string
}

type FileCreateResponse struct {
	FileDescriptor FileDescriptor
	PathName       string
	Message        string
	Status         bool
}

type FileDeleteRequest struct {
	FileDescriptor FileDescriptor
	PathName       string
}

type FileDeleteResponse struct {
	FileDescriptor FileDescriptor
	PathName       string
	Message        string
	Status         bool
}

type FileModifyRequest struct {
	FileDescriptor FileDescriptor
	PathName       string
}

type FileModifyResponse struct {
	FileDescriptor FileDescriptor
	PathName       string
	Message        string
	Status         bool
}

// MaxBlockSize bounds the Length of a FILE_BYTES_REQUEST so that the base64
// encoded response fits into a single stream message.
const MaxBlockSize = 8 << 20

// FileBytesRequest asks for `Length` bytes at `Position` of the content
// identified by FileDescriptor.
type FileBytesRequest struct {
	FileDescriptor FileDescriptor
	PathName       string
	Position       int64
	Length         int64
}

// FileBytesResponse answers a FileBytesRequest. Content is base64 encoded.
type FileBytesResponse struct {
	FileDescriptor FileDescriptor
	PathName       string
	Position       int64
	Length         int64
	Content        string
	Message        string
	Status         bool
}

func (HandshakeRequest) Command() Command        { return HandshakeRequestCommand }
func (HandshakeResponse) Command() Command       { return HandshakeResponseCommand }
func (ConnectionRefused) Command() Command       { return ConnectionRefusedCommand }
func (InvalidProtocol) Command() Command         { return InvalidProtocolCommand }
func (DirectoryCreateRequest) Command() Command  { return DirectoryCreateRequestCommand }
func (DirectoryCreateResponse) Command() Command { return DirectoryCreateResponseCommand }
func (DirectoryDeleteRequest) Command() Command  { return DirectoryDeleteRequestCommand }
func (DirectoryDeleteResponse) Command() Command { return DirectoryDeleteResponseCommand }
func (FileCreateRequest) Command() Command       { return FileCreateRequestCommand }
func (FileCreateResponse) Command() Command      { return FileCreateResponseCommand }
func (FileDeleteRequest) Command() Command       { return FileDeleteRequestCommand }
func (FileDeleteResponse) Command() Command      { return FileDeleteResponseCommand }
func (FileModifyRequest) Command() Command       { return FileModifyRequestCommand }
func (FileModifyResponse) Command() Command      { return FileModifyResponseCommand }
func (FileBytesRequest) Command() Command        { return FileBytesRequestCommand }
func (FileBytesResponse) Command() Command       { return FileBytesResponseCommand }

func (HandshakeRequest) Family() Family        { return ConnectionFamily }
func (HandshakeResponse) Family() Family       { return ConnectionFamily }
func (ConnectionRefused) Family() Family       { return ConnectionFamily }
func (InvalidProtocol) Family() Family         { return ConnectionFamily }
func (DirectoryCreateRequest) Family() Family  { return DirectoryFamily }
func (DirectoryCreateResponse) Family() Family { return DirectoryFamily }
func (DirectoryDeleteRequest) Family() Family  { return DirectoryFamily }
func (DirectoryDeleteResponse) Family() Family { return DirectoryFamily }
func (FileCreateRequest) Family() Family       { return FileFamily }
func (FileCreateResponse) Family() Family      { return FileFamily }
func (FileDeleteRequest) Family() Family       { return FileFamily }
func (FileDeleteResponse) Family() Family      { return FileFamily }
func (FileModifyRequest) Family() Family       { return FileFamily }
func (FileModifyResponse) Family() Family      { return FileFamily }
func (FileBytesRequest) Family() Family        { return BytesFamily }
func (FileBytesResponse) Family() Family       { return BytesFamily }
