// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

type OplogEntry = oplogEntry

type ResumePosition = resumePosition

var (
	OplogNotification = oplogNotification
	TimestampToken    = timestampToken
)
