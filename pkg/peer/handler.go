package peer

import (
	"encoding/base64"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/store"
)

// Messages sent in responses. Peers only log them, but they're kept stable
// for interoperability.
const (
	msgPathExists      = "pathname already exists"
	msgPathMissing     = "pathname does not exist"
	msgUnsafePath      = "unsafe pathname given"
	msgDirCreated      = "directory created"
	msgDirCreateFailed = "there was a problem creating the directory"
	msgDirDeleted      = "directory deleted"
	msgDirDeleteFailed = "there was a problem deleting the directory"
	msgLoaderReady     = "file loader ready"
	msgCreateFailed    = "there was a problem creating the file"
	msgModifyFailed    = "there was a problem modifying the file"
	msgSameContents    = "file already exists with matching contents"
	msgFileDeleted     = "file deleted"
	msgDeleteFailed    = "there was a problem deleting the file"
	msgReadOK          = "successful read"
	msgReadFailed      = "unsuccessful read"
	msgInvalidCommand  = "invalid command"
)

// handler applies the messages received from one peer to the local store.
// It's only used from the session's receive loop, so it needs no locking.
type handler struct {
	store     store.Store
	blockSize int64
	// maxRead bounds the length of a block served to the peer.
	maxRead   int64
	send      func(...protocol.Message)
	log       *log.Entry

	transfers map[string]*transfer
}

func (h *handler) handle(line []byte) {
	msg, err := protocol.Decode(line)
	if err != nil {
		h.log.WithError(err).Warn("Received invalid message")
		h.send(protocol.InvalidProtocol{Message: protocol.Reason(err)})
		return
	}
	h.log.WithField("command", msg.Command()).Debug("Received message")

	switch m := msg.(type) {
	case protocol.DirectoryCreateRequest:
		h.send(h.createDirectory(m))
	case protocol.DirectoryDeleteRequest:
		h.send(h.deleteDirectory(m))
	case protocol.FileCreateRequest:
		h.loadFile(m.PathName, m.FileDescriptor, false)
	case protocol.FileModifyRequest:
		h.loadFile(m.PathName, m.FileDescriptor, true)
	case protocol.FileDeleteRequest:
		h.send(h.deleteFile(m))
	case protocol.FileBytesRequest:
		h.send(h.readBytes(m))
	case protocol.FileBytesResponse:
		h.writeBytes(m)

	case protocol.DirectoryCreateResponse:
		h.logResponse(m.Command(), m.PathName, m.Message, m.Status)
	case protocol.DirectoryDeleteResponse:
		h.logResponse(m.Command(), m.PathName, m.Message, m.Status)
	case protocol.FileCreateResponse:
		h.logResponse(m.Command(), m.PathName, m.Message, m.Status)
	case protocol.FileDeleteResponse:
		h.logResponse(m.Command(), m.PathName, m.Message, m.Status)
	case protocol.FileModifyResponse:
		h.logResponse(m.Command(), m.PathName, m.Message, m.Status)

	case protocol.InvalidProtocol:
		h.log.WithField("message", m.Message).Warn("Peer rejected one of our messages")
	case protocol.HandshakeRequest, protocol.HandshakeResponse, protocol.ConnectionRefused:
		h.send(protocol.InvalidProtocol{Message: msgInvalidCommand})
	}
}

func (h *handler) logResponse(cmd protocol.Command, path, message string, status bool) {
	entry := h.log.WithFields(log.Fields{
		"command": cmd,
		"path":    path,
		"message": message,
	})
	if status {
		entry.Debug("Peer applied change")
	} else {
		entry.Warn("Peer did not apply change")
	}
}

func (h *handler) createDirectory(req protocol.DirectoryCreateRequest) protocol.Message {
	resp := protocol.DirectoryCreateResponse{PathName: req.PathName}
	switch {
	case h.store.FileNameExists(req.PathName):
		resp.Message = msgPathExists
	case !h.store.IsSafePathName(req.PathName):
		resp.Message = msgUnsafePath
	default:
		if err := h.store.MakeDirectory(req.PathName); err != nil {
			h.log.WithError(err).WithField("path", req.PathName).Warn("Failed to create directory")
			resp.Message = msgDirCreateFailed
		} else {
			resp.Message, resp.Status = msgDirCreated, true
		}
	}
	return resp
}

func (h *handler) deleteDirectory(req protocol.DirectoryDeleteRequest) protocol.Message {
	resp := protocol.DirectoryDeleteResponse{PathName: req.PathName}
	switch {
	case !h.store.IsSafePathName(req.PathName):
		resp.Message = msgUnsafePath
	case !h.store.DirNameExists(req.PathName):
		resp.Message = msgPathMissing
	default:
		if err := h.store.DeleteDirectory(req.PathName); err != nil {
			h.log.WithError(err).WithField("path", req.PathName).Warn("Failed to delete directory")
			resp.Message = msgDirDeleteFailed
		} else {
			resp.Message, resp.Status = msgDirDeleted, true
		}
	}
	return resp
}

func (h *handler) deleteFile(req protocol.FileDeleteRequest) protocol.Message {
	resp := protocol.FileDeleteResponse{FileDescriptor: req.FileDescriptor, PathName: req.PathName}
	switch {
	case !h.store.IsSafePathName(req.PathName):
		resp.Message = msgUnsafePath
	case !h.store.FileNameExistsWithHash(req.PathName, req.FileDescriptor.MD5):
		resp.Message = msgPathMissing
	default:
		fd := req.FileDescriptor
		if err := h.store.DeleteFile(req.PathName, fd.LastModified, fd.MD5); err != nil {
			h.log.WithError(err).WithField("path", req.PathName).Warn("Failed to delete file")
			resp.Message = msgDeleteFailed
		} else {
			resp.Message, resp.Status = msgFileDeleted, true
		}
	}
	return resp
}

// loadFile handles FILE_CREATE_REQUEST and FILE_MODIFY_REQUEST. If the
// request is accepted and the contents aren't available locally, the file is
// requested from the peer block by block.
func (h *handler) loadFile(path string, fd protocol.FileDescriptor, modify bool) {
	reject := func(message string) {
		if modify {
			h.send(protocol.FileModifyResponse{FileDescriptor: fd, PathName: path, Message: message})
		} else {
			h.send(protocol.FileCreateResponse{FileDescriptor: fd, PathName: path, Message: message})
		}
	}

	if !h.store.IsSafePathName(path) {
		reject(msgUnsafePath)
		return
	}

	var err error
	if modify {
		if !h.store.FileNameExists(path) {
			reject(msgPathMissing)
			return
		}
		if h.store.FileNameExistsWithHash(path, fd.MD5) {
			reject(msgSameContents)
			return
		}
		if err = h.store.ModifyFileLoader(path, fd); err != nil {
			h.log.WithError(err).WithField("path", path).Warn("Failed to prepare file modification")
			reject(msgModifyFailed)
			return
		}
		h.send(protocol.FileModifyResponse{FileDescriptor: fd, PathName: path,
			Message: msgLoaderReady, Status: true})
	} else {
		if h.store.FileNameExists(path) {
			reject(msgPathExists)
			return
		}
		if err = h.store.CreateFileLoader(path, fd); err != nil {
			h.log.WithError(err).WithField("path", path).Warn("Failed to prepare file creation")
			reject(msgCreateFailed)
			return
		}
		h.send(protocol.FileCreateResponse{FileDescriptor: fd, PathName: path,
			Message: msgLoaderReady, Status: true})
	}

	shortcut, err := h.store.CheckShortcut(path)
	if err != nil {
		h.log.WithError(err).WithField("path", path).Warn(
			"Failed to copy local contents. Requesting the file from the peer instead.")
	}
	if shortcut {
		h.log.WithField("path", path).Info("Copied file from identical local contents")
		return
	}

	ranges := chunkRanges(fd.FileSize, h.blockSize)
	h.transfers[path] = newTransfer(fd, ranges)

	var requests []protocol.Message
	for _, r := range ranges {
		requests = append(requests, protocol.FileBytesRequest{
			FileDescriptor: fd,
			PathName:       path,
			Position:       r.position,
			Length:         r.length,
		})
	}
	h.send(requests...)
}

func (h *handler) readBytes(req protocol.FileBytesRequest) protocol.Message {
	resp := protocol.FileBytesResponse{
		FileDescriptor: req.FileDescriptor,
		PathName:       req.PathName,
		Position:       req.Position,
		Length:         req.Length,
	}

	if req.Length > h.maxRead {
		h.log.WithFields(log.Fields{
			"path":   req.PathName,
			"length": req.Length,
		}).Warn("Refusing to read more than the maximum block size")
		resp.Message = msgReadFailed
		return resp
	}

	data, err := h.store.ReadFile(req.FileDescriptor.MD5, req.Position, req.Length)
	if err != nil {
		h.log.WithError(err).WithField("path", req.PathName).Warn("Failed to read requested bytes")
		resp.Message = msgReadFailed
		return resp
	}

	resp.Content = base64.StdEncoding.EncodeToString(data)
	resp.Message, resp.Status = msgReadOK, true
	return resp
}

func (h *handler) writeBytes(resp protocol.FileBytesResponse) {
	entry := h.log.WithField("path", resp.PathName)
	t, ok := h.transfers[resp.PathName]
	if !ok || !t.descriptor.SameContent(resp.FileDescriptor) {
		entry.Debug("Ignoring bytes for a file that isn't being transferred")
		return
	}

	if !resp.Status {
		entry.WithField("message", resp.Message).Warn("Peer failed to send file contents")
		h.cancelTransfer(resp.PathName)
		return
	}

	data, err := base64.StdEncoding.DecodeString(resp.Content)
	if err != nil || int64(len(data)) != resp.Length {
		entry.WithError(err).Warn("Received malformed file contents")
		h.cancelTransfer(resp.PathName)
		return
	}

	if !t.received(resp.Position, resp.Length) {
		entry.WithField("position", resp.Position).Debug("Ignoring bytes that weren't requested")
		return
	}

	if err := h.store.WriteFile(resp.PathName, data, resp.Position); err != nil {
		entry.WithError(err).Warn("Failed to write file contents")
		h.cancelTransfer(resp.PathName)
		return
	}

	if !t.finished() {
		return
	}

	done, err := h.store.CheckWriteComplete(resp.PathName)
	if err != nil || !done {
		entry.WithError(err).Warn("Received file does not match its descriptor")
		h.cancelTransfer(resp.PathName)
		return
	}

	delete(h.transfers, resp.PathName)
	entry.Info("Finished receiving file")
}

func (h *handler) cancelTransfer(path string) {
	delete(h.transfers, path)
	if err := h.store.CancelFileLoader(path); err != nil {
		h.log.WithError(err).WithField("path", path).Warn("Failed to cancel file loader")
	}
}

// cancelTransfers discards every transfer in progress.
func (h *handler) cancelTransfers() {
	for path := range h.transfers {
		h.cancelTransfer(path)
	}
}
