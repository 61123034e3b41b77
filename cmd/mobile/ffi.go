//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"

	"github.com/kimhsiao/opsync/internal/app"
)

// Every function returning *C.char hands ownership to the caller, who must
// release it with FreeString. Results are JSON envelopes:
// {"ok":true,"data":...} or {"ok":false,"code":"...","error":"..."}.

//export Init
func Init(dataDir, configPath *C.char) *C.char {
	return C.CString(core.init(C.GoString(dataDir), C.GoString(configPath), app.Options{}))
}

//export Cleanup
func Cleanup() *C.char {
	return C.CString(core.close())
}

//export FreeString
func FreeString(s *C.char) {
	C.free(unsafe.Pointer(s))
}

//export Login
func Login(body *C.char) *C.char {
	return C.CString(core.login(C.GoString(body)))
}

//export RecordWrite
func RecordWrite(entity, body *C.char) *C.char {
	return C.CString(core.write(C.GoString(entity), C.GoString(body)))
}

//export RecordGet
func RecordGet(entity, localID *C.char) *C.char {
	return C.CString(core.get(C.GoString(entity), C.GoString(localID)))
}

//export RecordList
func RecordList(entity *C.char) *C.char {
	return C.CString(core.list(C.GoString(entity)))
}

//export SyncNow
func SyncNow() *C.char {
	return C.CString(core.sync())
}

//export SyncStatus
func SyncStatus() *C.char {
	return C.CString(core.status())
}

//export SyncEvents
func SyncEvents() *C.char {
	return C.CString(core.drainEvents())
}

//export SetOnline
func SetOnline(online C.int) *C.char {
	return C.CString(core.setOnline(online != 0))
}

//export ConflictList
func ConflictList(onlyPending C.int) *C.char {
	return C.CString(core.conflicts(onlyPending != 0))
}

//export ConflictResolve
func ConflictResolve(id, body *C.char) *C.char {
	return C.CString(core.resolve(C.GoString(id), C.GoString(body)))
}
