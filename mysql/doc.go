// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mysql implements que.Store on MySQL 5.7 or later.
//
// Sessions reserve a connection from the pool and lock jobs with named
// locks (GET_LOCK), which MySQL releases when the connection ends.
package mysql
