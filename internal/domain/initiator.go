package domain

// IsInitiator reports whether local opens the offer toward remote. The
// lexicographically smaller id initiates, so both sides reach the same answer
// without coordinating. A participant never initiates toward itself.
func IsInitiator(local, remote ParticipantID) bool {
	return local < remote
}
