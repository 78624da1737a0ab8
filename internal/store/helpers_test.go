package store

import "github.com/busybox42/outbound/internal/mta"

func mtaIdentity(id int) mta.Identity {
	return mta.Identity{ID: id}
}
