package syncengine

import (
	"sync"

	"github.com/golang/glog"
)

type ConnectivityFunction func(online bool)

// ConnectivityMonitor is the host's network-status signal, shared by
// channels and synchronizers. The host application flips it from whatever
// reachability source it has; the engine never probes the network itself.
type ConnectivityMonitor struct {
	stateLock sync.Mutex
	online    bool

	callbacks *CallbackList[ConnectivityFunction]
}

func NewConnectivityMonitor(online bool) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		online:    online,
		callbacks: NewCallbackList[ConnectivityFunction](),
	}
}

func (self *ConnectivityMonitor) IsOnline() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.online
}

func (self *ConnectivityMonitor) SetOnline(online bool) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.online == online {
			return false
		}
		self.online = online
		return true
	}()
	if !changed {
		return
	}

	glog.V(1).Infof("[net]online = %t\n", online)
	for _, callback := range self.callbacks.Get() {
		callback(online)
	}
}

// returns a function to remove the callback
func (self *ConnectivityMonitor) AddConnectivityCallback(callback ConnectivityFunction) func() {
	return self.callbacks.Add(callback)
}
