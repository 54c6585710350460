// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package postgres implements que.Store on PostgreSQL with pgx.
//
// Jobs live in the que_jobs table, created by Migrate. Sessions hold a
// dedicated pool connection and lock jobs with session level advisory
// locks, so a lost connection releases all locks of the session.
package postgres
