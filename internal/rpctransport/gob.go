package rpctransport

import "encoding/gob"

// registerGobTypes registers every concrete type known to end up in a
// wire.Sample's interface{} Value field. gob requires this for any
// concrete type carried through an interface, including builtins.
func registerGobTypes() {
	gob.Register("")
	gob.Register(0)
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
	gob.Register(map[string]int{})
	gob.Register(map[string]string{})
	gob.Register([]byte{})
}

// RegisterValueType registers an additional concrete type an application
// may publish as a Sample.Value, beyond the common set registerGobTypes
// already covers. Call it once at startup for any custom struct a writer
// publishes, before any RPC involving it.
func RegisterValueType(v interface{}) {
	gob.Register(v)
}
