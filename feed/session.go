package feed

import (
	"encoding/json"
)

// Session describes one live subscriber connection.
type Session struct {
	Uid        string `json:"uid"`
	Sid        string `json:"sid"`
	CreateTime int64  `json:"create_time"`
	Ip         string `json:"ip,omitempty"`
}

func (s *Session) String() string {
	out, _ := json.Marshal(s)
	return string(out)
}
