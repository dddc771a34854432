package configs

import (
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
)

// GroupInfo is the shared description of a group.
type GroupInfo struct {
	Name                    string
	Description             string
	PicURL                  string
	PicKey                  []byte
	ExpirySeconds           int64
	Created                 int64
	DeleteBefore            int64
	DeleteAttachmentsBefore int64
	Destroyed               bool
}

// GroupInfoView reads and writes a GroupInfo object.
type GroupInfoView struct {
	o *mergeable.Object
}

// AsGroupInfo returns the typed view over c.
func AsGroupInfo(c mergeable.Config) (*GroupInfoView, error) {
	o, err := object(c, namespace.GroupInfo)
	if err != nil {
		return nil, err
	}
	return &GroupInfoView{o: o}, nil
}

// Get returns the stored info.
func (v *GroupInfoView) Get() GroupInfo {
	r := record{o: v.o}
	return GroupInfo{
		Name:                    r.str("n"),
		Description:             r.str("o"),
		PicURL:                  r.str("p"),
		PicKey:                  r.bytes("q"),
		ExpirySeconds:           r.int("E"),
		Created:                 r.int("c"),
		DeleteBefore:            r.int("d"),
		DeleteAttachmentsBefore: r.int("D"),
		Destroyed:               r.bool("!"),
	}
}

// Set stores info. Only admins may call it.
func (v *GroupInfoView) Set(info GroupInfo) error {
	r := record{o: v.o}
	return wrapWrite(firstErr(
		r.setStr("n", info.Name),
		r.setStr("o", info.Description),
		r.setStr("p", info.PicURL),
		r.setBytes("q", info.PicKey),
		r.setInt("E", info.ExpirySeconds),
		r.setInt("c", info.Created),
		r.setInt("d", info.DeleteBefore),
		r.setInt("D", info.DeleteAttachmentsBefore),
		r.setBool("!", info.Destroyed),
	))
}
