package gatt

import (
	"github.com/sapphire-bt/host/att"
	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/uuid"
)

// ReadCharacteristic performs a short ReadRequest against c's value
// handle (spec §4.4).
func (cl *Client) ReadCharacteristic(c *RemoteCharacteristic, cb func(value []byte, err error)) {
	cl.bearer.Request(att.OpReadReq, att.MarshalReadRequest(c.valueHandle), func(resp []byte, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		v, uerr := att.UnmarshalReadResponse(resp)
		cb(v, uerr)
	})
}

// ReadLong performs the long-read procedure: ReadBlobRequest from
// successive offsets, accumulating into buf until a blob shorter than
// MTU-1 is returned or buf is full (spec §4.4).
func (cl *Client) ReadLong(c *RemoteCharacteristic, maxLen int, cb func(value []byte, err error)) {
	var buf []byte
	var step func(offset uint16)
	step = func(offset uint16) {
		cl.bearer.Request(att.OpReadBlobReq, att.MarshalReadBlobRequest(c.valueHandle, offset), func(resp []byte, err error) {
			if err != nil {
				if offset > 0 && isInvalidOffsetAtEnd(err) {
					cb(buf, nil)
					return
				}
				cb(nil, err)
				return
			}
			blob, uerr := att.UnmarshalReadBlobResponse(resp)
			if uerr != nil {
				cb(nil, uerr)
				return
			}
			room := maxLen - len(buf)
			if room <= 0 {
				cb(buf, nil)
				return
			}
			if len(blob) > room {
				blob = blob[:room]
			}
			buf = append(buf, blob...)
			full := len(buf) >= maxLen
			short := len(blob) < int(cl.bearer.MTU())-1
			if full || short {
				cb(buf, nil)
				return
			}
			step(offset + uint16(len(blob)))
		})
	}
	step(0)
}

func isInvalidOffsetAtEnd(err error) bool {
	e, ok := err.(*errors.Error)
	return ok && e.Layer == errors.ProtoATTError && e.Code == uint8(att.ErrInvalidOffset)
}

// ReadByType reads every attribute of type attrType within [start,end]
// in one ReadByTypeRequest, enforcing the handle-validity invariants
// spec §4.4 calls out: handles within range, strictly increasing,
// pair length at least that of a bare handle.
func (cl *Client) ReadByType(start, end uint16, attrType uuid.UUID, cb func([]att.AttributeData, error)) {
	req := att.MarshalReadByTypeRequest(start, end, attrType)
	cl.bearer.Request(att.OpReadByTypeReq, req, func(resp []byte, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		entries, uerr := att.UnmarshalReadByTypeResponse(resp)
		if uerr != nil {
			cb(nil, uerr)
			return
		}
		var prev uint16
		for _, e := range entries {
			if e.Handle < start || e.Handle > end {
				cb(nil, errors.New(errors.KindPacketMalformed, "gatt: read-by-type handle out of requested range"))
				return
			}
			if prev != 0 && e.Handle <= prev {
				cb(nil, errors.New(errors.KindPacketMalformed, "gatt: read-by-type handles not strictly increasing"))
				return
			}
			prev = e.Handle
		}
		cb(entries, nil)
	})
}

// WriteCharacteristic performs a short WriteRequest (awaits
// WriteResponse) or, with noResponse=true, a fire-and-forget
// WriteCommand (spec §4.4).
func (cl *Client) WriteCharacteristic(c *RemoteCharacteristic, value []byte, noResponse bool, cb func(err error)) {
	if noResponse {
		cl.bearer.Command(att.MarshalWriteRequest(c.valueHandle, value, true))
		if cb != nil {
			cb(nil)
		}
		return
	}
	cl.bearer.Request(att.OpWriteReq, att.MarshalWriteRequest(c.valueHandle, value, false), func(resp []byte, err error) {
		cb(err)
	})
}

// longWriteJob is one queued reliable/long-write sequence; only one
// runs against the bearer at a time (spec §4.4: "Long-write queues are
// processed one at a time per bearer; subsequent queues wait").
type longWriteJob struct {
	handle   uint16
	value    []byte
	reliable bool
	mtu      int
	cb       func(error)
}

// WriteLong decomposes value into a queue of PrepareWriteRequests (each
// bounded by the bearer MTU) followed by ExecuteWriteRequest. If
// reliable is set, every PrepareWriteResponse must echo back the
// offset and bytes written; a mismatch cancels the whole queue and
// fails with NotReliable (Core Spec v5.0 Vol 3 Part G §4.9.5).
func (cl *Client) WriteLong(c *RemoteCharacteristic, value []byte, reliable bool, cb func(error)) {
	job := &longWriteJob{handle: c.valueHandle, value: value, reliable: reliable, mtu: int(cl.bearer.MTU()), cb: cb}
	cl.enqueueLongWrite(job)
}

func (cl *Client) enqueueLongWrite(job *longWriteJob) {
	if cl.longWriteBusy {
		cl.longWriteQueue = append(cl.longWriteQueue, func() { cl.runLongWrite(job) })
		return
	}
	cl.longWriteBusy = true
	cl.runLongWrite(job)
}

func (cl *Client) nextLongWrite() {
	if len(cl.longWriteQueue) == 0 {
		cl.longWriteBusy = false
		return
	}
	next := cl.longWriteQueue[0]
	cl.longWriteQueue = cl.longWriteQueue[1:]
	next()
}

func (cl *Client) runLongWrite(job *longWriteJob) {
	chunkSize := job.mtu - 5
	if chunkSize <= 0 {
		cl.finishLongWrite(job, errors.New(errors.KindInvalidParameters, "gatt: mtu too small for long write"))
		return
	}
	var sendChunk func(offset int)
	sendChunk = func(offset int) {
		if offset >= len(job.value) {
			cl.execute(job, att.ExecWritePending)
			return
		}
		end := offset + chunkSize
		if end > len(job.value) {
			end = len(job.value)
		}
		chunk := job.value[offset:end]
		req := att.MarshalPrepareWriteRequest(job.handle, uint16(offset), chunk)
		cl.bearer.Request(att.OpPrepareWriteReq, req, func(resp []byte, err error) {
			if err != nil {
				cl.execute(job, att.ExecWriteCancel)
				cl.finishLongWrite(job, err)
				return
			}
			if job.reliable {
				echoed, uerr := att.UnmarshalPrepareWriteResponse(resp)
				if uerr != nil || echoed.Offset != uint16(offset) || !bytesEqual(echoed.Value, chunk) {
					cl.execute(job, att.ExecWriteCancel)
					cl.finishLongWrite(job, errors.New(errors.KindNotReliable, "gatt: prepare write response did not echo request"))
					return
				}
			}
			sendChunk(end)
		})
	}
	sendChunk(0)
}

func (cl *Client) execute(job *longWriteJob, flag uint8) {
	cl.bearer.Request(att.OpExecuteWriteReq, att.MarshalExecuteWriteRequest(flag), func(resp []byte, err error) {
		if flag == att.ExecWritePending {
			cl.finishLongWrite(job, err)
		}
	})
}

func (cl *Client) finishLongWrite(job *longWriteJob, err error) {
	if job.cb != nil {
		job.cb(err)
	}
	cl.nextLongWrite()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Subscribe writes the Client Characteristic Configuration descriptor
// to enable notifications (or indications) and registers the handler
// invoked on each update. The handler is registered on the bearer,
// keyed by the characteristic's value handle, so it outlives any
// single pending ATT exchange (spec §4.4).
func (cl *Client) Subscribe(c *RemoteCharacteristic, ccc *RemoteDescriptor, indicate bool, handler func([]byte), cb func(error)) {
	if indicate {
		cl.bearer.OnIndicate(c.valueHandle, handler)
	} else {
		cl.bearer.OnNotify(c.valueHandle, handler)
	}
	value := []byte{0x01, 0x00}
	if indicate {
		value = []byte{0x02, 0x00}
	}
	cl.bearer.Request(att.OpWriteReq, att.MarshalWriteRequest(ccc.handle, value, false), func(resp []byte, err error) {
		cb(err)
	})
}

// Unsubscribe clears the CCC descriptor.
func (cl *Client) Unsubscribe(c *RemoteCharacteristic, ccc *RemoteDescriptor, cb func(error)) {
	cl.bearer.Request(att.OpWriteReq, att.MarshalWriteRequest(ccc.handle, []byte{0x00, 0x00}, false), func(resp []byte, err error) {
		cb(err)
	})
}
