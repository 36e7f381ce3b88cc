package protocol

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/sidkik/peersync/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UnknownCommandError is returned by Decode for a document whose command is
// not part of the protocol.
type UnknownCommandError struct {
	Command string
}

func (err UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", err.Command)
}

// MalformedError is returned by Decode for input that isn't a JSON object.
type MalformedError struct {
	Err error
}

func (err MalformedError) Error() string {
	return fmt.Sprintf("malformed message: %s", err.Err)
}

// Reason returns the text sent back in an INVALID_PROTOCOL message when
// Decode fails with `err`.
func Reason(err error) string {
	switch err := errors.RootCause(err).(type) {
	case UnknownCommandError:
		return "invalid command"
	case errors.MissingFieldError:
		return err.Error()
	case MalformedError:
		return "message must be a valid JSON document"
	}
	return "invalid message"
}

// wireMessage is the union of every field that appears on the wire. Pointers
// distinguish absent fields from zero values.
type wireMessage struct {
	Command        Command         `json:"command"`
	HostPort       *wireHostPort   `json:"hostPort,omitempty"`
	Peers          *[]wireHostPort `json:"peers,omitempty"`
	FileDescriptor *wireDescriptor `json:"fileDescriptor,omitempty"`
	PathName       *string         `json:"pathName,omitempty"`
	Position       *int64          `json:"position,omitempty"`
	Length         *int64          `json:"length,omitempty"`
	Content        *string         `json:"content,omitempty"`
	Message        *string         `json:"message,omitempty"`
	Status         *bool           `json:"status,omitempty"`
}

type wireHostPort struct {
	Host *string `json:"host,omitempty"`
	Port *int    `json:"port,omitempty"`
}

type wireDescriptor struct {
	MD5          *string `json:"md5,omitempty"`
	LastModified *int64  `json:"lastModified,omitempty"`
	FileSize     *int64  `json:"fileSize,omitempty"`
}

// Encode serializes `msg` as a single newline-terminated JSON document.
func Encode(msg Message) ([]byte, error) {
	w := wireMessage{Command: msg.Command()}
	switch m := msg.(type) {
	case HandshakeRequest:
		w.HostPort = toWireHostPort(m.HostPort)
	case HandshakeResponse:
		w.HostPort = toWireHostPort(m.HostPort)
	case ConnectionRefused:
		peers := []wireHostPort{}
		for _, p := range m.Peers {
			peers = append(peers, *toWireHostPort(p))
		}
		w.Peers = &peers
		w.Message = &m.Message
	case InvalidProtocol:
		w.Message = &m.Message
	case DirectoryCreateRequest:
		w.PathName = &m.PathName
	case DirectoryCreateResponse:
		w.setResponse(m.PathName, m.Message, m.Status)
	case DirectoryDeleteRequest:
		w.PathName = &m.PathName
	case DirectoryDeleteResponse:
		w.setResponse(m.PathName, m.Message, m.Status)
	case FileCreateRequest:
		w.setFile(m.FileDescriptor, m.PathName)
	case FileCreateResponse:
		w.setFile(m.FileDescriptor, m.PathName)
		w.setResponse(m.PathName, m.Message, m.Status)
	case FileDeleteRequest:
		w.setFile(m.FileDescriptor, m.PathName)
	case FileDeleteResponse:
		w.setFile(m.FileDescriptor, m.PathName)
		w.setResponse(m.PathName, m.Message, m.Status)
	case FileModifyRequest:
		w.setFile(m.FileDescriptor, m.PathName)
	case FileModifyResponse:
		w.setFile(m.FileDescriptor, m.PathName)
		w.setResponse(m.PathName, m.Message, m.Status)
	case FileBytesRequest:
		w.setFile(m.FileDescriptor, m.PathName)
		w.Position = &m.Position
		w.Length = &m.Length
	case FileBytesResponse:
		w.setFile(m.FileDescriptor, m.PathName)
		w.setResponse(m.PathName, m.Message, m.Status)
		w.Position = &m.Position
		w.Length = &m.Length
		w.Content = &m.Content
	default:
		return nil, UnknownCommandError{Command: string(msg.Command())}
	}

	line, err := json.Marshal(w)
	if err != nil {
		return nil, errors.WithContext(err, "marshal")
	}
	return append(line, '\n'), nil
}

func (w *wireMessage) setFile(fd FileDescriptor, pathName string) {
	w.FileDescriptor = &wireDescriptor{
		MD5:          &fd.MD5,
		LastModified: &fd.LastModified,
		FileSize:     &fd.FileSize,
	}
	w.PathName = &pathName
}

func (w *wireMessage) setResponse(pathName, message string, status bool) {
	w.PathName = &pathName
	w.Message = &message
	w.Status = &status
}

func toWireHostPort(hp HostPort) *wireHostPort {
	return &wireHostPort{Host: &hp.Host, Port: &hp.Port}
}

// Decode parses one line received from a peer. Every field the command
// requires must be present.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, MalformedError{err}
	}
	if w.Command == "" {
		return nil, errors.MissingFieldError{Field: "command"}
	}

	d := decoder{w: w}
	var msg Message
	switch w.Command {
	case HandshakeRequestCommand:
		msg = HandshakeRequest{HostPort: d.hostPort()}
	case HandshakeResponseCommand:
		msg = HandshakeResponse{HostPort: d.hostPort()}
	case ConnectionRefusedCommand:
		msg = ConnectionRefused{Message: d.message(), Peers: d.peers()}
	case InvalidProtocolCommand:
		msg = InvalidProtocol{Message: d.message()}
	case DirectoryCreateRequestCommand:
		msg = DirectoryCreateRequest{PathName: d.pathName()}
	case DirectoryCreateResponseCommand:
		msg = DirectoryCreateResponse{PathName: d.pathName(), Message: d.message(), Status: d.status()}
	case DirectoryDeleteRequestCommand:
		msg = DirectoryDeleteRequest{PathName: d.pathName()}
	case DirectoryDeleteResponseCommand:
		msg = DirectoryDeleteResponse{PathName: d.pathName(), Message: d.message(), Status: d.status()}
	case FileCreateRequestCommand:
		msg = FileCreateRequest{FileDescriptor: d.descriptor(), PathName: d.pathName()}
	case FileCreateResponseCommand:
		msg = FileCreateResponse{FileDescriptor: d.descriptor(), PathName: d.pathName(),
			Message: d.message(), Status: d.status()}
	case FileDeleteRequestCommand:
		msg = FileDeleteRequest{FileDescriptor: d.descriptor(), PathName: d.pathName()}
	case FileDeleteResponseCommand:
		msg = FileDeleteResponse{FileDescriptor: d.descriptor(), PathName: d.pathName(),
			Message: d.message(), Status: d.status()}
	case FileModifyRequestCommand:
		msg = FileModifyRequest{FileDescriptor: d.descriptor(), PathName: d.pathName()}
	case FileModifyResponseCommand:
		msg = FileModifyResponse{FileDescriptor: d.descriptor(), PathName: d.pathName(),
			Message: d.message(), Status: d.status()}
	case FileBytesRequestCommand:
		msg = FileBytesRequest{FileDescriptor: d.descriptor(), PathName: d.pathName(),
			Position: d.num("position", w.Position), Length: d.num("length", w.Length)}
	case FileBytesResponseCommand:
		msg = FileBytesResponse{FileDescriptor: d.descriptor(), PathName: d.pathName(),
			Position: d.num("position", w.Position), Length: d.num("length", w.Length),
			Content: d.str("content", w.Content), Message: d.message(), Status: d.status()}
	default:
		return nil, UnknownCommandError{Command: string(w.Command)}
	}

	if d.err != nil {
		return nil, d.err
	}
	return msg, nil
}

// decoder records the first missing field while the fields of a message are
// extracted.
type decoder struct {
	w   wireMessage
	err error
}

func (d *decoder) missing(field string) {
	if d.err == nil {
		d.err = errors.MissingFieldError{Field: field}
	}
}

func (d *decoder) str(field string, v *string) string {
	if v == nil {
		d.missing(field)
		return ""
	}
	return *v
}

func (d *decoder) num(field string, v *int64) int64 {
	if v == nil {
		d.missing(field)
		return 0
	}
	return *v
}

func (d *decoder) pathName() string {
	return d.str("pathName", d.w.PathName)
}

func (d *decoder) message() string {
	return d.str("message", d.w.Message)
}

func (d *decoder) status() bool {
	if d.w.Status == nil {
		d.missing("status")
		return false
	}
	return *d.w.Status
}

func (d *decoder) descriptor() FileDescriptor {
	fd := d.w.FileDescriptor
	if fd == nil {
		d.missing("fileDescriptor")
		return FileDescriptor{}
	}
	return FileDescriptor{
		MD5:          d.str("fileDescriptor.md5", fd.MD5),
		LastModified: d.num("fileDescriptor.lastModified", fd.LastModified),
		FileSize:     d.num("fileDescriptor.fileSize", fd.FileSize),
	}
}

func (d *decoder) fromWireHostPort(field string, hp wireHostPort) HostPort {
	host := d.str(field+".host", hp.Host)
	if hp.Port == nil {
		d.missing(field + ".port")
		return HostPort{Host: host}
	}
	return HostPort{Host: host, Port: *hp.Port}
}

func (d *decoder) hostPort() HostPort {
	if d.w.HostPort == nil {
		d.missing("hostPort")
		return HostPort{}
	}
	return d.fromWireHostPort("hostPort", *d.w.HostPort)
}

func (d *decoder) peers() []HostPort {
	if d.w.Peers == nil {
		d.missing("peers")
		return nil
	}

	var peers []HostPort
	for _, p := range *d.w.Peers {
		peers = append(peers, d.fromWireHostPort("peers", p))
	}
	return peers
}
