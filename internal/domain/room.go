package domain

// RoomID is the vendor's entity ID. Members are user connections tracking that vendor.
type RoomID string

func (r RoomID) Vendor() EntityID { return EntityID(r) }
