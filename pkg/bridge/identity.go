// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// userMap is the per-transport identity mapper: two bijections behind one
// lock, mutated only through paired insert/remove operations so the
// directions can never drift apart.
//
// The matrix side maps native Matrix members to the MUC nicknames their
// puppets occupy. The xmpp side maps native conference occupants to the
// Matrix ghost users representing them. A Matrix user ID appears in at most
// one of the two sides at a time: it is either a native member mirrored
// into the conference, or a ghost mirroring an occupant, never both.
type userMap struct {
	lock sync.RWMutex

	nickByUser map[id.UserID]string // native Matrix user -> puppet nick
	userByNick map[string]id.UserID

	ghostByNick map[string]id.UserID // native occupant nick -> ghost user
	nickByGhost map[id.UserID]string
}

func newUserMap() *userMap {
	return &userMap{
		nickByUser:  make(map[id.UserID]string),
		userByNick:  make(map[string]id.UserID),
		ghostByNick: make(map[string]id.UserID),
		nickByGhost: make(map[id.UserID]string),
	}
}

// putMatrixUser inserts a native-Matrix-member pairing. Returns false
// without mutating anything if either key already exists on either side.
func (um *userMap) putMatrixUser(user id.UserID, nick string) bool {
	um.lock.Lock()
	defer um.lock.Unlock()
	if _, ok := um.nickByUser[user]; ok {
		return false
	}
	if _, ok := um.nickByGhost[user]; ok {
		return false
	}
	if _, ok := um.userByNick[nick]; ok {
		return false
	}
	if _, ok := um.ghostByNick[nick]; ok {
		return false
	}
	um.nickByUser[user] = nick
	um.userByNick[nick] = user
	return true
}

// putXMPPUser inserts a native-occupant pairing. Same conflict rules as
// putMatrixUser.
func (um *userMap) putXMPPUser(nick string, ghost id.UserID) bool {
	um.lock.Lock()
	defer um.lock.Unlock()
	if _, ok := um.ghostByNick[nick]; ok {
		return false
	}
	if _, ok := um.userByNick[nick]; ok {
		return false
	}
	if _, ok := um.nickByGhost[ghost]; ok {
		return false
	}
	if _, ok := um.nickByUser[ghost]; ok {
		return false
	}
	um.ghostByNick[nick] = ghost
	um.nickByGhost[ghost] = nick
	return true
}

func (um *userMap) nickForUser(user id.UserID) (string, bool) {
	um.lock.RLock()
	defer um.lock.RUnlock()
	nick, ok := um.nickByUser[user]
	return nick, ok
}

func (um *userMap) userForNick(nick string) (id.UserID, bool) {
	um.lock.RLock()
	defer um.lock.RUnlock()
	user, ok := um.userByNick[nick]
	return user, ok
}

func (um *userMap) ghostForNick(nick string) (id.UserID, bool) {
	um.lock.RLock()
	defer um.lock.RUnlock()
	ghost, ok := um.ghostByNick[nick]
	return ghost, ok
}

// isGhost reports whether the user is one of this transport's ghost users.
func (um *userMap) isGhost(user id.UserID) bool {
	um.lock.RLock()
	defer um.lock.RUnlock()
	_, ok := um.nickByGhost[user]
	return ok
}

// hasNick reports whether the nickname is taken on either side.
func (um *userMap) hasNick(nick string) bool {
	um.lock.RLock()
	defer um.lock.RUnlock()
	if _, ok := um.userByNick[nick]; ok {
		return true
	}
	_, ok := um.ghostByNick[nick]
	return ok
}

// popMatrixUser removes both directions of a native-member pairing.
func (um *userMap) popMatrixUser(user id.UserID) (string, bool) {
	um.lock.Lock()
	defer um.lock.Unlock()
	nick, ok := um.nickByUser[user]
	if !ok {
		return "", false
	}
	delete(um.nickByUser, user)
	delete(um.userByNick, nick)
	return nick, true
}

// popXMPPUser removes both directions of a native-occupant pairing.
func (um *userMap) popXMPPUser(nick string) (id.UserID, bool) {
	um.lock.Lock()
	defer um.lock.Unlock()
	ghost, ok := um.ghostByNick[nick]
	if !ok {
		return "", false
	}
	delete(um.ghostByNick, nick)
	delete(um.nickByGhost, ghost)
	return ghost, true
}

// snapshot copies both sides for read-only use (teardown, info rendering).
func (um *userMap) snapshot() (matrixSide map[id.UserID]string, xmppSide map[string]id.UserID) {
	um.lock.RLock()
	defer um.lock.RUnlock()
	matrixSide = make(map[id.UserID]string, len(um.nickByUser))
	for user, nick := range um.nickByUser {
		matrixSide[user] = nick
	}
	xmppSide = make(map[string]id.UserID, len(um.ghostByNick))
	for nick, ghost := range um.ghostByNick {
		xmppSide[nick] = ghost
	}
	return matrixSide, xmppSide
}

func (um *userMap) clear() {
	um.lock.Lock()
	defer um.lock.Unlock()
	um.nickByUser = make(map[id.UserID]string)
	um.userByNick = make(map[string]id.UserID)
	um.ghostByNick = make(map[string]id.UserID)
	um.nickByGhost = make(map[id.UserID]string)
}
