package api

import (
	"encoding/json"
)

type meta struct {
	TotalRecords uint64 `json:"totalRecords"`
	Count        uint64 `json:"count"`
}

type ApiResponse struct {
	Meta *meta `json:"meta,omitempty"`
	Data any   `json:"data"`
}

func (r ApiResponse) Byte() []byte {
	b, _ := json.Marshal(r)
	return b
}

func newCollectionResponse[T any](items []T) ApiResponse {
	if items == nil {
		items = []T{}
	}

	return ApiResponse{
		Meta: &meta{
			TotalRecords: uint64(len(items)),
			Count:        uint64(len(items)),
		},
		Data: items,
	}
}

// assignmentRequest is the body of PUT /cameras/{cameraID}/assignment. A
// missing or null deviceId unassigns the camera.
type assignmentRequest struct {
	DeviceID *string `json:"deviceId"`
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}
