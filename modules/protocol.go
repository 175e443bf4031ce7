package modules

import (
	"encoding/binary"
	"math"

	"gitlab.com/NebulousLabs/errors"
)

// The file feed wire format. All multi-byte integers are in network byte
// order.
//
//	request:  <crid><slice_id><offset><chunk_size>
//	response: <crid><slice_id><offset><chunk_size>*<chunk_data>*<extended_info>
//	extended: <id(8)><data_size(32)>*<data>

var (
	// ErrMessageTooShort is returned when a message payload is truncated.
	ErrMessageTooShort = errors.New("message payload too short")

	// ErrChunkTooLarge is returned when a request exceeds the protocol's
	// chunk size cap.
	ErrChunkTooLarge = errors.New("requested chunk size exceeds protocol maximum")
)

// requestSize is the encoded size of a file feed request.
const requestSize = CRIDSize + 2 + 4 + 4

type (
	// FileFeedRequest asks a peer for one chunk of a slice.
	FileFeedRequest struct {
		CRID      ContentID
		SliceID   uint16
		Offset    uint32
		ChunkSize uint32
	}

	// ExtendedInfo is an out-of-band status record attached to a file feed
	// response, distinct from a hard transport error.
	ExtendedInfo struct {
		ID   uint8
		Data []byte
	}

	// FileFeedResponse is a peer's answer to a FileFeedRequest. The
	// request fields are echoed back, followed by the chunk bytes and any
	// extended info records. A response carrying extended info instead of
	// data has ChunkSize zero.
	FileFeedResponse struct {
		FileFeedRequest
		Data     []byte
		Extended []ExtendedInfo
	}
)

// Marshal encodes the request.
func (r FileFeedRequest) Marshal() ([]byte, error) {
	if err := ValidateContentID(r.CRID); err != nil {
		return nil, err
	}
	if r.ChunkSize > MaxFileFeedChunkSize {
		return nil, ErrChunkTooLarge
	}
	buf := make([]byte, requestSize)
	copy(buf[:CRIDSize], r.CRID)
	binary.BigEndian.PutUint16(buf[CRIDSize:], r.SliceID)
	binary.BigEndian.PutUint32(buf[CRIDSize+2:], r.Offset)
	binary.BigEndian.PutUint32(buf[CRIDSize+6:], r.ChunkSize)
	return buf, nil
}

// UnmarshalFileFeedRequest decodes a request payload.
func UnmarshalFileFeedRequest(buf []byte) (FileFeedRequest, error) {
	if len(buf) < requestSize {
		return FileFeedRequest{}, ErrMessageTooShort
	}
	r := FileFeedRequest{
		CRID:      ContentID(buf[:CRIDSize]),
		SliceID:   binary.BigEndian.Uint16(buf[CRIDSize:]),
		Offset:    binary.BigEndian.Uint32(buf[CRIDSize+2:]),
		ChunkSize: binary.BigEndian.Uint32(buf[CRIDSize+6:]),
	}
	if err := ValidateContentID(r.CRID); err != nil {
		return FileFeedRequest{}, err
	}
	return r, nil
}

// Marshal encodes the response.
func (r FileFeedResponse) Marshal() ([]byte, error) {
	if uint64(len(r.Data)) != uint64(r.ChunkSize) {
		return nil, errors.New("response data does not match chunk size")
	}
	head, err := r.FileFeedRequest.Marshal()
	if err != nil {
		return nil, err
	}
	buf := append(head, r.Data...)
	for _, ei := range r.Extended {
		if uint64(len(ei.Data)) > math.MaxUint32 {
			return nil, errors.New("extended info data too large")
		}
		var rec [5]byte
		rec[0] = ei.ID
		binary.BigEndian.PutUint32(rec[1:], uint32(len(ei.Data)))
		buf = append(buf, rec[:]...)
		buf = append(buf, ei.Data...)
	}
	return buf, nil
}

// UnmarshalFileFeedResponse decodes a response payload.
func UnmarshalFileFeedResponse(buf []byte) (FileFeedResponse, error) {
	req, err := UnmarshalFileFeedRequest(buf)
	if err != nil {
		return FileFeedResponse{}, err
	}
	rest := buf[requestSize:]
	if uint64(len(rest)) < uint64(req.ChunkSize) {
		return FileFeedResponse{}, errors.AddContext(ErrMessageTooShort, "truncated chunk data")
	}
	resp := FileFeedResponse{
		FileFeedRequest: req,
		Data:            rest[:req.ChunkSize],
	}
	rest = rest[req.ChunkSize:]
	for len(rest) > 0 {
		if len(rest) < 5 {
			return FileFeedResponse{}, errors.AddContext(ErrMessageTooShort, "truncated extended info header")
		}
		ei := ExtendedInfo{ID: rest[0]}
		size := binary.BigEndian.Uint32(rest[1:])
		rest = rest[5:]
		if uint64(len(rest)) < uint64(size) {
			return FileFeedResponse{}, errors.AddContext(ErrMessageTooShort, "truncated extended info data")
		}
		ei.Data = rest[:size]
		rest = rest[size:]
		resp.Extended = append(resp.Extended, ei)
	}
	return resp, nil
}

// NodeBusy reports whether the peer attached a node-busy record and, if so,
// the suggested backoff in milliseconds.
func (r *FileFeedResponse) NodeBusy() (bool, uint32) {
	for _, ei := range r.Extended {
		if ei.ID == ExtendedInfoNodeBusy && len(ei.Data) == 4 {
			return true, binary.BigEndian.Uint32(ei.Data)
		}
	}
	return false, 0
}

// NoSliceAvailable reports whether the peer attached a no-slice-available
// record.
func (r *FileFeedResponse) NoSliceAvailable() bool {
	for _, ei := range r.Extended {
		if ei.ID == ExtendedInfoNoSliceAvailable {
			return true
		}
	}
	return false
}
