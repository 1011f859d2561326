package round

// Decide applies the settlement decision rule: no other inputs influence
// it besides the two side totals and the two prices.
func Decide(upTotal, downTotal, startPrice, endPrice int64) (mode SettlementMode, winner *Side) {
	if upTotal == 0 || downTotal == 0 {
		return Refund, nil
	}
	switch {
	case endPrice > startPrice:
		s := Up
		return Win, &s
	case endPrice < startPrice:
		s := Down
		return Win, &s
	default:
		return Refund, nil
	}
}

// CanCreate guards create_round: now must be strictly before
// lockTS - minCreationSlack.
func CanCreate(now, lockTS, minCreationSlack int64) bool {
	return now < lockTS-minCreationSlack
}

// CanLock guards lock_round: the lock timestamp must have passed.
func CanLock(now, lockTS int64) bool {
	return now >= lockTS
}

// CanSettle guards settle_round: the end timestamp must have passed.
func CanSettle(now, endTS int64) bool {
	return now >= endTS
}

// IsJoinWindowOpen reports whether now falls in [startTS, lockTS), the
// window during which JoinHandler may accept entries.
func IsJoinWindowOpen(now, startTS, lockTS int64) bool {
	return now >= startTS && now < lockTS
}

// IsStartAligned reports whether startTS is aligned to the round cycle
// (OPEN_SECONDS + LOCK_SECONDS).
func IsStartAligned(startTS, cycleSeconds int64) bool {
	if cycleSeconds <= 0 {
		return false
	}
	return startTS%cycleSeconds == 0
}
