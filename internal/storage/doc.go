/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package storage implements the local e-paper store.
// Full page images live in a sharded filesystem blob tree at <dir>/blobs; the metadata records,
// the ring of backup generations and the write-ahead intent journal live in an embedded SQLite
// database at <dir>/epaper.sqlite. The two stores share no transaction. Engine coordinates them:
// saves write pages first and metadata second, and an intent left behind by a crash between the
// two is replayed the next time the store is opened.
package storage
