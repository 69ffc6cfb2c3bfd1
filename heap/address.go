package heap

import "fmt"

// Address is the cluster-wide name of an object: the owning task and a
// local id assigned by that task's address table. Local id 0 is never
// issued, so the zero Address is "no address".
type Address struct {
	Tid int32
	Lid int32
}

// IsValid returns true if a names an issued address.
func (a Address) IsValid() bool {
	return a.Lid != 0
}

func (a Address) String() string {
	return fmt.Sprintf("%d@%d", a.Lid, a.Tid)
}
